// Package cmd defines the cabinet CLI.
//
// Architecture overview:
//   - Orchestrator: internal/orchestrator runs crawl cycles on an interval or cron schedule. A cycle marks every
//     thread archived, asks each watcher's crawler for its boards, threads and posts, merges the results and
//     persists them. A cycle requested while one is running joins it instead of starting another.
//   - Crawlers: internal/crawler/fourchan reads the 4chan JSON API through the colly fetcher, paced per host by
//     internal/policy/ratelimit. Archived thread lookups are cached in an LRU shared by crawlers of one type.
//   - Attachments: rows are upserted during the cycle and a download job is queued (memory or Pub/Sub). Workers
//     fetch the files into the storage backend (filesystem, S3 or GCS) with a throttle between downloads and a
//     longer wait on HTTP 429.
//   - Collector: with crawling.delete_obsolete set, threads and posts no watcher matches anymore are removed and
//     their orphaned attachments are queued for deletion.
//   - Configuration & plumbing: viper reads config.yaml, .env and CABINET_* variables; edits to the file are
//     applied by 'serve' without a restart. zap provides structured logging and Prometheus metrics are served on
//     /metrics.
//
// Quick checklist:
//   - Run locally with the in-memory database: CABINET_DATABASE_TYPE=memory cabinet serve --config config.yaml
//   - Postgres: set database.dsn and run 'cabinet migrate' once (serve also applies the schema on startup).
//   - One-off crawl: 'cabinet crawl' runs a single cycle and drains the download queue before exiting.
package cmd
