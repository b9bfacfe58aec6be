package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/taskmonitor/tkm-collector/pkg/monitor"
)

// AddData stores one measurement frame under the open session with the
// given hash. SysProcStat frames expand into one row per cpu line; all
// other kinds store a single row.
func (s *Store) AddData(sessionHash string, recvTime int64, data *monitor.Data) error {
	if data == nil {
		return fmt.Errorf("nil data frame")
	}
	if !data.Kind.IsValid() {
		return fmt.Errorf("unknown data kind: %d", data.Kind)
	}

	return s.withRetry(func() error {
		sessionID, err := s.openSessionID(sessionHash)
		if err != nil {
			return err
		}

		tail := []any{
			int64(data.SystemTime),
			int64(data.MonotonicTime),
			recvTime,
			sessionID,
		}

		switch data.Kind {
		case monitor.DataProcAcct:
			return s.insertProcAcct(data, tail)
		case monitor.DataProcEvent:
			return s.insertProcEvent(data, tail)
		case monitor.DataProcInfo:
			return s.insertProcInfo(data, tail)
		case monitor.DataContextInfo:
			return s.insertContextInfo(data, tail)
		case monitor.DataSysProcStat:
			return s.insertSysProcStat(data, tail)
		case monitor.DataSysProcMeminfo:
			return s.insertSysProcMeminfo(data, tail)
		case monitor.DataSysProcPressure:
			return s.insertSysProcPressure(data, tail)
		case monitor.DataSysProcDiskStats:
			return s.insertSysProcDiskStats(data, tail)
		case monitor.DataSysProcVMStat:
			return s.insertSysProcVMStat(data, tail)
		case monitor.DataSysProcBuddyInfo:
			return s.insertSysProcBuddyInfo(data, tail)
		case monitor.DataSysProcWireless:
			return s.insertSysProcWireless(data, tail)
		default:
			return fmt.Errorf("unknown data kind: %d", data.Kind)
		}
	})
}

// insertQuery builds "INSERT INTO t (cols..., tail cols) VALUES (?...)"
// in the backend's placeholder form.
func (s *Store) insertQuery(table string, cols ...string) string {
	n := len(cols) + 4
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(", system_time, monotonic_time, receive_time, session_id) VALUES (")
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('?')
	}
	sb.WriteString(")")
	return rebind(s.cfg.Backend, sb.String())
}

func (s *Store) insertProcAcct(data *monitor.Data, tail []any) error {
	var p monitor.ProcAcct
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableProcAcct,
		"pid", "ppid", "uid", "gid", "comm",
		"utime", "stime", "etime",
		"cpu_count", "cpu_delay", "io_delay",
		"mem_rss", "mem_vm", "read_bytes", "write_bytes")
	args := []any{
		int64(p.PID), int64(p.PPID), int64(p.UID), int64(p.GID), p.Comm,
		int64(p.UTime), int64(p.STime), int64(p.ETime),
		int64(p.CPUCount), int64(p.CPUDelay), int64(p.IODelay),
		int64(p.MemRSS), int64(p.MemVM), int64(p.ReadBytes), int64(p.WriteBytes),
	}
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}

func (s *Store) insertProcEvent(data *monitor.Data, tail []any) error {
	var p monitor.ProcEvent
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableProcEvent,
		"fork_count", "exec_count", "exit_count", "uid_count", "gid_count")
	args := []any{
		int64(p.ForkCount), int64(p.ExecCount), int64(p.ExitCount),
		int64(p.UIDCount), int64(p.GIDCount),
	}
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}

func (s *Store) insertProcInfo(data *monitor.Data, tail []any) error {
	var p monitor.ProcInfo
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableProcInfo,
		"pid", "ppid", "comm", "state", "num_threads", "vsize", "rss")
	args := []any{
		int64(p.PID), int64(p.PPID), p.Comm, p.State,
		int64(p.NumThreads), int64(p.VSize), int64(p.RSS),
	}
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}

func (s *Store) insertContextInfo(data *monitor.Data, tail []any) error {
	var p monitor.ContextInfo
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableContextInfo,
		"pid", "comm", "voluntary_switches", "involuntary_switches")
	args := []any{
		int64(p.PID), p.Comm,
		int64(p.VoluntarySwitches), int64(p.InvoluntarySwitches),
	}
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}

func (s *Store) insertSysProcStat(data *monitor.Data, tail []any) error {
	var p monitor.SysProcStat
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableSysProcStat,
		"core",
		"cpu_user", "cpu_nice", "cpu_system", "cpu_idle", "cpu_iowait",
		"cpu_irq", "cpu_softirq", "cpu_steal", "cpu_guest", "cpu_guest_nice")

	insert := func(c monitor.CPUStat) error {
		args := []any{
			c.Core,
			int64(c.User), int64(c.Nice), int64(c.System), int64(c.Idle), int64(c.IOWait),
			int64(c.IRQ), int64(c.SoftIRQ), int64(c.Steal), int64(c.Guest), int64(c.GuestNice),
		}
		_, err := s.db.Exec(q, append(args, tail...)...)
		return err
	}

	if err := insert(p.Aggregate); err != nil {
		return err
	}
	for _, core := range p.Cores {
		if err := insert(core); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertSysProcMeminfo(data *monitor.Data, tail []any) error {
	var p monitor.SysProcMeminfo
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableSysProcMeminfo,
		"mem_total", "mem_free", "mem_available", "buffers", "cached",
		"swap_cached", "active", "inactive", "swap_total", "swap_free",
		"dirty", "slab")
	args := []any{
		int64(p.MemTotal), int64(p.MemFree), int64(p.MemAvailable),
		int64(p.Buffers), int64(p.Cached), int64(p.SwapCached),
		int64(p.Active), int64(p.Inactive), int64(p.SwapTotal),
		int64(p.SwapFree), int64(p.Dirty), int64(p.Slab),
	}
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}

func (s *Store) insertSysProcPressure(data *monitor.Data, tail []any) error {
	var p monitor.SysProcPressure
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableSysProcPressure,
		"cpu_some_avg10", "cpu_some_avg60", "cpu_some_avg300", "cpu_some_total",
		"cpu_full_avg10", "cpu_full_avg60", "cpu_full_avg300", "cpu_full_total",
		"mem_some_avg10", "mem_some_avg60", "mem_some_avg300", "mem_some_total",
		"mem_full_avg10", "mem_full_avg60", "mem_full_avg300", "mem_full_total",
		"io_some_avg10", "io_some_avg60", "io_some_avg300", "io_some_total",
		"io_full_avg10", "io_full_avg60", "io_full_avg300", "io_full_total")

	res := func(r monitor.PressureStat) []any {
		return []any{
			r.SomeAvg10, r.SomeAvg60, r.SomeAvg300, int64(r.SomeTotal),
			r.FullAvg10, r.FullAvg60, r.FullAvg300, int64(r.FullTotal),
		}
	}
	args := append(append(res(p.CPU), res(p.Memory)...), res(p.IO)...)
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}

func (s *Store) insertSysProcDiskStats(data *monitor.Data, tail []any) error {
	var p monitor.SysProcDiskStats
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableSysProcDiskStats,
		"major", "minor", "name",
		"reads_completed", "reads_merged", "sectors_read", "read_time_ms",
		"writes_completed", "writes_merged", "sectors_written", "write_time_ms",
		"io_in_progress", "io_time_ms", "weighted_io_time_ms")
	args := []any{
		int64(p.Major), int64(p.Minor), p.Name,
		int64(p.ReadsCompleted), int64(p.ReadsMerged), int64(p.SectorsRead), int64(p.ReadTimeMS),
		int64(p.WritesCompleted), int64(p.WritesMerged), int64(p.SectorsWritten), int64(p.WriteTimeMS),
		int64(p.IOInProgress), int64(p.IOTimeMS), int64(p.WeightedIOTimeMS),
	}
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}

func (s *Store) insertSysProcVMStat(data *monitor.Data, tail []any) error {
	var p monitor.SysProcVMStat
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableSysProcVMStat,
		"pgpgin", "pgpgout", "pswpin", "pswpout",
		"pgfault", "pgmajfault", "oom_kill")
	args := []any{
		int64(p.PgPgIn), int64(p.PgPgOut), int64(p.PSwpIn), int64(p.PSwpOut),
		int64(p.PgFault), int64(p.PgMajFault), int64(p.OOMKill),
	}
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}

func (s *Store) insertSysProcBuddyInfo(data *monitor.Data, tail []any) error {
	var p monitor.SysProcBuddyInfo
	if err := data.Decode(&p); err != nil {
		return err
	}
	// Free block counts stored as comma separated text, lowest order
	// first.
	parts := make([]string, len(p.Orders))
	for i, v := range p.Orders {
		parts[i] = strconv.FormatUint(v, 10)
	}
	q := s.insertQuery(TableSysProcBuddyInfo, "node", "zone", "orders")
	args := []any{p.Node, p.Zone, strings.Join(parts, ",")}
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}

func (s *Store) insertSysProcWireless(data *monitor.Data, tail []any) error {
	var p monitor.SysProcWireless
	if err := data.Decode(&p); err != nil {
		return err
	}
	q := s.insertQuery(TableSysProcWireless,
		"name", "status",
		"link_quality", "level_quality", "noise_quality",
		"discarded_nwid", "discarded_crypt", "discarded_frag",
		"discarded_retry", "discarded_misc", "missed_beacon")
	args := []any{
		p.Name, int64(p.Status),
		int64(p.LinkQuality), int64(p.LevelQuality), int64(p.NoiseQuality),
		int64(p.DiscardedNWID), int64(p.DiscardedCrypt), int64(p.DiscardedFrag),
		int64(p.DiscardedRetry), int64(p.DiscardedMisc), int64(p.MissedBeacon),
	}
	_, err := s.db.Exec(q, append(args, tail...)...)
	return err
}
