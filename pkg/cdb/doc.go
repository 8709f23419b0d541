// Package cdb is the client entry point of the conditions database: it
// resolves versioned calibration and configuration payloads by tag path and
// event time or run/sequence, across an in-process cache, a local directory
// tree, a PostgreSQL database and a remote REST service.
//
// # Installation
//
//	go get github.com/gftdcojp/conditions-db/pkg/cdb
//
// # Basic Usage
//
//	db, err := cdb.Open(ctx, cdb.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	db.SetFlavors([]string{"sim", "ofl"})
//	db.SetEventTime(1672531200)
//
//	p, err := db.GetPayload(ctx, "Calibrations/tpc/gain", true)
//	if cdb.IsNotFound(err) {
//		// no payload applies at this time
//	}
//	fmt.Println(string(p.Data))
//
// # Configuration
//
// Without [Options.Config] or [Options.ConfigPath], the configuration is read
// from ./.cdbnpp.json, then ~/.cdbnpp.json, then the file named by
// $CDBNPP_CONFIG. The "service.adapters" key sets the lookup order, for
// example "memory+file+db+http".
//
// # Lookup
//
// Each enabled adapter is asked in turn for the paths the previous ones could
// not resolve. A path may name its flavors ("sim+ofl:Calibrations/tpc/gain");
// otherwise the flavors set on the client apply, first match wins. Payloads
// found in the database or over HTTP are kept in the memory cache when their
// validity interval is closed.
package cdb
