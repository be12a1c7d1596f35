package history

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	employee_count INTEGER NOT NULL DEFAULT 0,
	department_count INTEGER NOT NULL DEFAULT 0,
	elapsed_seconds REAL NOT NULL DEFAULT 0,
	has_xlsx BOOLEAN NOT NULL DEFAULT FALSE,
	has_formatted_xlsx BOOLEAN NOT NULL DEFAULT FALSE
);
`
