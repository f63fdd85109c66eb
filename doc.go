// Package main hosts the radar entrypoint.
//
// Architecture overview:
//   - Watchlist: config.Load (Viper, RADAR_* env overrides) flattens feeds, pages and local files into
//     crawler.FetchTargets in that order.
//   - Admission: every network request holds a policy/gate.Permit. The gate checks the domain blocklist and
//     robots.txt (policy/robots, cached per host), then waits for a per-domain slot, a token from the domain's
//     bucket (policy/ratelimit) and a global slot. Retry-After pushback is recorded on the domain state.
//   - Fetch: internal/fetcher retries 429/503 and network errors with jittered exponential backoff, streams
//     bodies under a byte cap and transcodes to UTF-8. Local files are read directly. The scheduling strategy
//     (worker pool or sequential) is chosen once at startup.
//   - Normalize: feeds become one unit per entry (gofeed), pages and HTML files become visible text (goquery),
//     PDFs go through an external text extractor. Keyword filters drop units before anything is stored.
//   - Boilerplate: blocks that recur across a source's recent history are removed from page text.
//   - Snapshot: unchanged units are skipped by hash; changed ones get a unified diff against the previous
//     content, a provenance copy (local, GCS or memory) and one fsynced line in the JSONL ledger. A ledger
//     write failure aborts the run.
//   - Sinks: after the fetch phase, changed records fan out to Pub/Sub and the Postgres mirror. Sink errors
//     are logged only.
//
// Operational notes:
//   - `radar run` performs one pass and prints the report; `--sync` selects the sequential scheduler and
//     `--timeout` bounds the run.
//   - `radar serve` exposes /healthz, /readyz, /metrics and the /v1 records and runs API; it drains on SIGTERM
//     and waits for a background run to stop before exiting.
package main
