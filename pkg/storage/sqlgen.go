package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Backend selects the SQL dialect. The schema is identical across
// backends; only keyword variants differ.
type Backend uint8

const (
	// SQLite3 is the embedded file backend.
	SQLite3 Backend = 1

	// PostgreSQL is the networked backend.
	PostgreSQL Backend = 2
)

// ParseBackend maps a DatabaseType option value to a backend.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "sqlite3":
		return SQLite3, nil
	case "postgresql":
		return PostgreSQL, nil
	default:
		return 0, fmt.Errorf("unknown database type: %q", s)
	}
}

// String returns the DatabaseType option value for the backend.
func (b Backend) String() string {
	switch b {
	case SQLite3:
		return "sqlite3"
	case PostgreSQL:
		return "postgresql"
	default:
		return "unknown"
	}
}

// Table names. Fixed across backends.
const (
	TableDevices          = "tkmDevices"
	TableSessions         = "tkmSessions"
	TableProcAcct         = "tkmProcAcct"
	TableProcEvent        = "tkmProcEvent"
	TableProcInfo         = "tkmProcInfo"
	TableContextInfo      = "tkmContextInfo"
	TableSysProcStat      = "tkmSysProcStat"
	TableSysProcMeminfo   = "tkmSysProcMeminfo"
	TableSysProcPressure  = "tkmSysProcPressure"
	TableSysProcDiskStats = "tkmSysProcDiskStats"
	TableSysProcVMStat    = "tkmSysProcVMStat"
	TableSysProcBuddyInfo = "tkmSysProcBuddyInfo"
	TableSysProcWireless  = "tkmSysProcWireless"
)

// dataTables lists every per-kind measurement table.
var dataTables = []string{
	TableProcAcct,
	TableProcEvent,
	TableProcInfo,
	TableContextInfo,
	TableSysProcStat,
	TableSysProcMeminfo,
	TableSysProcPressure,
	TableSysProcDiskStats,
	TableSysProcVMStat,
	TableSysProcBuddyInfo,
	TableSysProcWireless,
}

// serialPK returns the autoincrementing primary key clause.
func serialPK(b Backend) string {
	if b == PostgreSQL {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// bigint returns the wide integer column type.
func bigint(b Backend) string {
	if b == PostgreSQL {
		return "BIGINT"
	}
	return "INTEGER"
}

// double returns the floating point column type.
func double(b Backend) string {
	if b == PostgreSQL {
		return "DOUBLE PRECISION"
	}
	return "REAL"
}

// hashMatch returns the hash-equality operator: sqlite3 uses IS,
// PostgreSQL uses LIKE. Hash columns never hold NULL and hashes carry no
// wildcard characters, so both behave as plain equality.
func hashMatch(b Backend) string {
	if b == PostgreSQL {
		return "LIKE"
	}
	return "IS"
}

// hashWhere builds "col IS ?" / "col LIKE ?" for the backend.
func hashWhere(b Backend, col string) string {
	return col + " " + hashMatch(b) + " ?"
}

// rebind rewrites ?-style placeholders into the backend's native form.
func rebind(b Backend, query string) string {
	if b != PostgreSQL {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			sb.WriteByte(query[i])
			continue
		}
		n++
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(n))
	}
	return sb.String()
}

// dataTail returns the trailing columns every measurement table carries:
// the agent clocks, the collector receive time, and the owning session.
func dataTail(b Backend) string {
	bi := bigint(b)
	return fmt.Sprintf(
		"system_time %s NOT NULL, monotonic_time %s NOT NULL, receive_time %s NOT NULL, "+
			"session_id %s NOT NULL REFERENCES %s(id) ON DELETE CASCADE",
		bi, bi, bi, bi, TableSessions)
}

// createTableStatements returns the DDL for the whole schema, parents
// before children.
func createTableStatements(b Backend) []string {
	bi := bigint(b)
	fl := double(b)

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  hash TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  address TEXT NOT NULL,
  port %s NOT NULL
)`, TableDevices, serialPK(b), bi),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  hash TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  start_ts %s NOT NULL,
  end_ts %s NOT NULL DEFAULT 0,
  device %s NOT NULL REFERENCES %s(id) ON DELETE CASCADE
)`, TableSessions, serialPK(b), bi, bi, bi, TableDevices),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  pid %s NOT NULL,
  ppid %s NOT NULL,
  uid %s NOT NULL,
  gid %s NOT NULL,
  comm TEXT NOT NULL,
  utime %s NOT NULL,
  stime %s NOT NULL,
  etime %s NOT NULL,
  cpu_count %s NOT NULL,
  cpu_delay %s NOT NULL,
  io_delay %s NOT NULL,
  mem_rss %s NOT NULL,
  mem_vm %s NOT NULL,
  read_bytes %s NOT NULL,
  write_bytes %s NOT NULL,
  %s
)`, TableProcAcct, serialPK(b), bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  fork_count %s NOT NULL,
  exec_count %s NOT NULL,
  exit_count %s NOT NULL,
  uid_count %s NOT NULL,
  gid_count %s NOT NULL,
  %s
)`, TableProcEvent, serialPK(b), bi, bi, bi, bi, bi, dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  pid %s NOT NULL,
  ppid %s NOT NULL,
  comm TEXT NOT NULL,
  state TEXT NOT NULL,
  num_threads %s NOT NULL,
  vsize %s NOT NULL,
  rss %s NOT NULL,
  %s
)`, TableProcInfo, serialPK(b), bi, bi, bi, bi, bi, dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  pid %s NOT NULL,
  comm TEXT NOT NULL,
  voluntary_switches %s NOT NULL,
  involuntary_switches %s NOT NULL,
  %s
)`, TableContextInfo, serialPK(b), bi, bi, bi, dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  core TEXT NOT NULL,
  cpu_user %s NOT NULL,
  cpu_nice %s NOT NULL,
  cpu_system %s NOT NULL,
  cpu_idle %s NOT NULL,
  cpu_iowait %s NOT NULL,
  cpu_irq %s NOT NULL,
  cpu_softirq %s NOT NULL,
  cpu_steal %s NOT NULL,
  cpu_guest %s NOT NULL,
  cpu_guest_nice %s NOT NULL,
  %s
)`, TableSysProcStat, serialPK(b), bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  mem_total %s NOT NULL,
  mem_free %s NOT NULL,
  mem_available %s NOT NULL,
  buffers %s NOT NULL,
  cached %s NOT NULL,
  swap_cached %s NOT NULL,
  active %s NOT NULL,
  inactive %s NOT NULL,
  swap_total %s NOT NULL,
  swap_free %s NOT NULL,
  dirty %s NOT NULL,
  slab %s NOT NULL,
  %s
)`, TableSysProcMeminfo, serialPK(b), bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  cpu_some_avg10 %s NOT NULL,
  cpu_some_avg60 %s NOT NULL,
  cpu_some_avg300 %s NOT NULL,
  cpu_some_total %s NOT NULL,
  cpu_full_avg10 %s NOT NULL,
  cpu_full_avg60 %s NOT NULL,
  cpu_full_avg300 %s NOT NULL,
  cpu_full_total %s NOT NULL,
  mem_some_avg10 %s NOT NULL,
  mem_some_avg60 %s NOT NULL,
  mem_some_avg300 %s NOT NULL,
  mem_some_total %s NOT NULL,
  mem_full_avg10 %s NOT NULL,
  mem_full_avg60 %s NOT NULL,
  mem_full_avg300 %s NOT NULL,
  mem_full_total %s NOT NULL,
  io_some_avg10 %s NOT NULL,
  io_some_avg60 %s NOT NULL,
  io_some_avg300 %s NOT NULL,
  io_some_total %s NOT NULL,
  io_full_avg10 %s NOT NULL,
  io_full_avg60 %s NOT NULL,
  io_full_avg300 %s NOT NULL,
  io_full_total %s NOT NULL,
  %s
)`, TableSysProcPressure, serialPK(b),
			fl, fl, fl, bi, fl, fl, fl, bi,
			fl, fl, fl, bi, fl, fl, fl, bi,
			fl, fl, fl, bi, fl, fl, fl, bi,
			dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  major %s NOT NULL,
  minor %s NOT NULL,
  name TEXT NOT NULL,
  reads_completed %s NOT NULL,
  reads_merged %s NOT NULL,
  sectors_read %s NOT NULL,
  read_time_ms %s NOT NULL,
  writes_completed %s NOT NULL,
  writes_merged %s NOT NULL,
  sectors_written %s NOT NULL,
  write_time_ms %s NOT NULL,
  io_in_progress %s NOT NULL,
  io_time_ms %s NOT NULL,
  weighted_io_time_ms %s NOT NULL,
  %s
)`, TableSysProcDiskStats, serialPK(b), bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  pgpgin %s NOT NULL,
  pgpgout %s NOT NULL,
  pswpin %s NOT NULL,
  pswpout %s NOT NULL,
  pgfault %s NOT NULL,
  pgmajfault %s NOT NULL,
  oom_kill %s NOT NULL,
  %s
)`, TableSysProcVMStat, serialPK(b), bi, bi, bi, bi, bi, bi, bi, dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  node TEXT NOT NULL,
  zone TEXT NOT NULL,
  orders TEXT NOT NULL,
  %s
)`, TableSysProcBuddyInfo, serialPK(b), dataTail(b)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id %s,
  name TEXT NOT NULL,
  status %s NOT NULL,
  link_quality %s NOT NULL,
  level_quality %s NOT NULL,
  noise_quality %s NOT NULL,
  discarded_nwid %s NOT NULL,
  discarded_crypt %s NOT NULL,
  discarded_frag %s NOT NULL,
  discarded_retry %s NOT NULL,
  discarded_misc %s NOT NULL,
  missed_beacon %s NOT NULL,
  %s
)`, TableSysProcWireless, serialPK(b), bi, bi, bi, bi, bi, bi, bi, bi, bi, bi, dataTail(b)),
	}

	return stmts
}

// dropTableStatements returns DDL removing the whole schema, children
// before parents.
func dropTableStatements() []string {
	stmts := make([]string, 0, len(dataTables)+2)
	for _, t := range dataTables {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+t)
	}
	stmts = append(stmts,
		"DROP TABLE IF EXISTS "+TableSessions,
		"DROP TABLE IF EXISTS "+TableDevices,
	)
	return stmts
}
