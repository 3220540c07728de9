// Package sensor keeps a websocket connection open to each orientation sensor.
//
// Every sensor serves ws://<address>:81/ and pushes one JSON payload per reading.
// A Link dials its sensor, hands each payload to a Handler in arrival order, and when
// the connection ends for any reason waits a fixed delay (3s by default) and dials the
// same URL again. Links retry forever; only cancelling the Run context stops them.
//
// Links are independent: a Manager runs them concurrently, and a closed link never
// affects its siblings.
//
//	mgr, err := sensor.NewManager([]sensor.Endpoint{
//		{Label: "RFA", Address: "192.168.193.195"},
//		{Label: "RA", Address: "192.168.193.85"},
//	}, applier, logger)
//	if err != nil {
//		return err
//	}
//	return mgr.Run(ctx)
package sensor
