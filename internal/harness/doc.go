// Package harness runs offline-sync scenarios against a complete engine and
// coordinator and records the events they publish.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_round_trip
//	description: "A book added offline is confirmed after reconnecting"
//	strategy: client_wins        # optional, default client_wins
//	steps:
//	  - do: offline
//	  - do: add
//	    title: Dune
//	    author: Herbert
//	  - do: online
//	expect:
//	  queue_len: 0
//	  books:
//	    - { id: "1", title: Dune, offline: false }
//	  remote_books:
//	    - { id: "1", title: Dune }
//
// # Step Kinds
//
//   - offline, online: report a connectivity change to the network monitor
//   - add: add title/author (plus optional fields) through the coordinator
//   - update: write fields to the record with id
//   - delete: delete the record with id
//   - sync: force a drain
//   - resolve: decide the held conflict of operation id (keep: local, server, merge)
//   - remote_edit: change a remote record as another device would
//   - remote_fail: make remote data calls fail with code, times times
//     (0 until cleared); without a code failures are cleared
//
// # Deterministic Runs
//
// Each scenario runs on a fresh in-memory store with a manual clock that
// advances one second before every step, sequential operation ids
// ("op-1", ...) and temporary ids ("offline_1", ...). The remote assigns
// ids "1", "2", ... and is signed in as RemoteOwner. Traces are therefore
// byte-identical across runs and are compared against golden files.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/offline_round_trip.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
