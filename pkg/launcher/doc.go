// Package launcher wires a procmgr.Supervisor to the outside world.
//
// It decides which workers exist, how the supervisor is configured and how
// its state is reported; the supervision logic itself lives in procmgr.
//
// # Worker Manifests
//
// Each worker lives in its own directory under workers_dir with a
// manifest.yaml:
//
//	name: indexer
//	executable: ./indexer          # relative to the manifest directory
//	args: ["--batch", "100"]
//	environment:
//	  INDEX_PATH: /var/lib/indexer
//	working_dir: .
//	replicas: 2                     # indexer-1, indexer-2
//
// Workers may also be listed inline under the workers key of the main
// configuration file. Inline environment keys are lowercased by the config
// loader; use manifest files where case matters.
//
// # Configuration
//
//	supervisor:
//	  check_timeout: 2s             # plain numbers are seconds
//	  stop_timeout: 10s
//	  restart_on_clean_exit: true
//	  max_restarts: 0               # 0 = unlimited
//	  signals: [INT, TERM]          # default: the termination set in procmgr.DefaultSignals
//	workers_dir: ./workers
//	log:
//	  level: info
//	  format: json
//	status:
//	  grpc_addr: 127.0.0.1:9090
//	  http_addr: 127.0.0.1:9091
//
// Every key can be overridden from the environment with the PROCVISOR_
// prefix, e.g. PROCVISOR_SUPERVISOR_STOP_TIMEOUT=30s.
//
// # Status
//
// StatusServer serves the standard gRPC health service, with one entry per
// worker id and "" for the supervisor, plus HTTP /health, /ready, /workers
// and /metrics. Pass it to procmgr.WithEventPublisher so worker transitions
// update the health entries.
package launcher
