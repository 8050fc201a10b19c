// Package influxdb writes CellScanner scan output to InfluxDB.
//
// Each drained measurement becomes one point tagged with the worker
// session:
//
//	cellscanner_measurement,session=<token>,serial=SIM-0001,technology=5GNR band=1,rssi_dbm=-71.2 <time>
//
// and each drained event batch becomes one count point:
//
//	cellscanner_events,session=<token>,source=device information=4i,error=0i <time>
//
// Writes go through the library's non-blocking write API; delivery
// errors are reported through SetOnError.
package influxdb
