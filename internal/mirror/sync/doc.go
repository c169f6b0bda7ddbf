// Package sync runs a complete catalog-to-database synchronization.
//
// Overview
//
// A batch sync reads the manufacturer profile, derives the active program
// names, extracts every program through the load orchestrator and writes
// each program's tables to the mirror as soon as its chunk is done:
//
//	Catalog root
//	     ├── profiles/<mfr>.cfg        → active program names
//	     ├── registry/*.cfg            → program layout
//	     └── <part dirs>/*.csv, *.sr   → tables
//	                                      ↓
//	                               load.Orchestrator
//	                                      ↓  (per program)
//	                                   Pipeline
//	                                      ↓
//	                                   db.DB (mirror)
//	                                      ↓
//	                              sync_timestamp row
//
// Usage
//
//	mirror, err := db.Open(ctx, db.Options{Driver: "sqlite", DSN: "ofml.db"})
//	if err != nil {
//	    return err
//	}
//	defer mirror.Close()
//
//	p := sync.New(mirror, sync.Options{Manufacturer: "kn"})
//	report, err := p.Run(ctx, "/srv/ofml")
//
// Passing a nil *db.DB runs extraction only: every table is read and
// counted, nothing is written.
//
// Error Handling
//
// A run never stops on a single failure. Tables that cannot be read are
// counted in the Report only; absent language files are normal. Programs
// that cannot be loaded and tables that cannot be persisted are counted and
// returned as one joined error. The run is recorded in the mirror only when
// that error is nil.
package sync
