package runstore

const schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    adw_id TEXT PRIMARY KEY,
    issue_number INTEGER NOT NULL,
    workflow_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    branch_name TEXT NOT NULL DEFAULT '',
    plan_file TEXT NOT NULL DEFAULT '',
    pull_request_url TEXT NOT NULL DEFAULT '',
    implementation_summary TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    error_phase TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    resumed_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_issue ON workflow_runs(issue_number);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_created ON workflow_runs(created_at);

-- At most one non-terminal run per issue.
CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_runs_active_issue
    ON workflow_runs(issue_number) WHERE status IN ('pending', 'running');

CREATE TABLE IF NOT EXISTS workflow_phase_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    adw_id TEXT NOT NULL REFERENCES workflow_runs(adw_id) ON DELETE CASCADE,
    phase TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    output_ref TEXT NOT NULL DEFAULT '',
    artifacts TEXT NOT NULL DEFAULT '{}',
    error_message TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    UNIQUE (adw_id, phase, attempt)
);

CREATE INDEX IF NOT EXISTS idx_phase_runs_adw_id ON workflow_phase_runs(adw_id);

CREATE TABLE IF NOT EXISTS workflow_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    adw_id TEXT NOT NULL REFERENCES workflow_runs(adw_id) ON DELETE CASCADE,
    phase TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_workflow_logs_adw_id ON workflow_logs(adw_id);
`
