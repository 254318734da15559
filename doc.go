// Package txd assembles the txd distributed transaction service: a
// two-phase commit coordinator, participants that wrap a resource manager,
// and the HTTP surfaces and background workers that connect them.
//
// # Running a server
//
// A process runs the coordinator, a participant, or both (`RoleAll`). Every
// process shares two keys: the interactive session key presented by callers
// and the coordinator key the coordinator presents to participants.
//
//	cfg := txd.Config{
//	    Role:                  txd.RoleCoordinator,
//	    Listen:                ":9441",
//	    InteractiveSessionKey: isk,
//	    CoordinatorKey:        ck,
//	    CoordinatorLogStore:   "disk:///var/lib/txd/coordinator",
//	    Participants: []txd.ParticipantEndpoint{
//	        {ID: "spaces", URL: "http://spaces:9441"},
//	        {ID: "projects", URL: "http://projects:9441"},
//	    },
//	}
//	srv, stop, err := txd.StartServer(ctx, cfg, txd.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// On start the coordinator settles transactions left in its log by a
// previous run before it serves requests; participants then ask it which of
// their prepared transactions committed.
//
// # Transaction logs
//
// Coordinator and participant each persist their progress in a transaction
// log selected by URL: `disk:///path` (one JSON file per transaction,
// guarded by a directory lock), `s3://host[:port]/bucket[/prefix]` for
// S3-compatible object stores, or `mem://` for tests. Transient log errors
// are retried with exponential backoff.
//
// # Resource managers
//
// A participant wraps `mem://`, an in-process key/value store with real
// prepare semantics, or `postgres://...`, which uses PostgreSQL's
// PREPARE TRANSACTION. Domain operations run inside the participant's open
// transaction and are addressed by name.
package txd
