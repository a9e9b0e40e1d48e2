// Package postgres implements the durable side of conveyor using pgx/v5
// with raw SQL: the user_usage table fed by the usage_sync handler, and
// the job_logs event table. Schema changes ship as embedded SQL files
// applied by Migrate.
package postgres
