package sink

import "fmt"

// Open constructs the telemetry and emergency sinks named by driver
// ("csv" or "sqlite"). The returned closer releases any held resources (a
// no-op for the CSV sinks, the sqlite connections for the sqlite driver).
func Open(driver, telemetryPath, emergencyPath string) (TelemetrySink, EmergencySink, func() error, error) {
	switch driver {
	case "", "csv":
		return NewCSVTelemetrySink(telemetryPath), NewCSVEmergencySink(emergencyPath), func() error { return nil }, nil
	case "sqlite":
		t, err := OpenSQLiteTelemetrySink(telemetryPath)
		if err != nil {
			return nil, nil, nil, err
		}
		e, err := OpenSQLiteEmergencySink(emergencyPath)
		if err != nil {
			t.Close()
			return nil, nil, nil, err
		}
		return t, e, func() error {
			err1 := t.Close()
			err2 := e.Close()
			if err1 != nil {
				return err1
			}
			return err2
		}, nil
	default:
		return nil, nil, nil, fmt.Errorf("sink: unknown driver %q", driver)
	}
}
