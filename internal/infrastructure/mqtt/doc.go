// Package mqtt publishes CellScanner client output to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Topics
//
// All topics live under a configurable prefix (default "cellscanner"):
//
//	cellscanner/events         drained worker and supervisor events
//	cellscanner/measurements   drained measurements
//	cellscanner/worker/status  worker lifecycle (retained)
//	cellscanner/system/status  client online/offline (retained, LWT)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnDisconnect(func(err error) { log.Warn("broker lost", "error", err) })
//	client.PublishJSON(client.Topics().Events(), batch, false)
//
// # Presence
//
// The client publishes a retained {"status":"online"} on connect and
// {"status":"offline","reason":"graceful_shutdown"} on Close. The broker
// publishes the same offline payload with reason "unexpected_disconnect"
// as the LWT.
package mqtt
