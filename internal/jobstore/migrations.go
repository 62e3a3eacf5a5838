package jobstore

const schema = `
CREATE TABLE IF NOT EXISTS forecast_jobs (
    run_id TEXT NOT NULL,
    report_date TEXT NOT NULL,
    line_item_id INTEGER NOT NULL,
    forecast_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'initialized',
    created_at TIMESTAMP,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    total_attempts INTEGER NOT NULL DEFAULT 0,
    response TEXT,
    failure_reason TEXT,
    PRIMARY KEY (run_id, report_date, line_item_id, forecast_type)
);

CREATE INDEX IF NOT EXISTS idx_jobs_run_type_status ON forecast_jobs(run_id, forecast_type, status);
CREATE INDEX IF NOT EXISTS idx_jobs_date_type_status ON forecast_jobs(report_date, forecast_type, status);

CREATE TABLE IF NOT EXISTS contending_groups (
    run_id TEXT NOT NULL,
    report_date TEXT NOT NULL,
    line_item_id INTEGER NOT NULL,
    contending_ids TEXT NOT NULL DEFAULT '[]',
    contending_count INTEGER NOT NULL DEFAULT 0,
    delivery_batch_id INTEGER,
    saved_at TIMESTAMP,
    PRIMARY KEY (run_id, report_date, line_item_id)
);

CREATE INDEX IF NOT EXISTS idx_groups_date_batch ON contending_groups(report_date, delivery_batch_id);
`
