package monitor

// ProcAcct is a per-process accounting sample, shaped after the kernel
// taskstats accounting block.
type ProcAcct struct {
	PID        uint32 `cbor:"1,keyasint"`
	PPID       uint32 `cbor:"2,keyasint"`
	UID        uint32 `cbor:"3,keyasint"`
	GID        uint32 `cbor:"4,keyasint"`
	Comm       string `cbor:"5,keyasint"`
	UTime      uint64 `cbor:"6,keyasint"`  // user CPU, usec
	STime      uint64 `cbor:"7,keyasint"`  // system CPU, usec
	ETime      uint64 `cbor:"8,keyasint"`  // elapsed, usec
	CPUCount   uint64 `cbor:"9,keyasint"`  // delay-accounting samples
	CPUDelay   uint64 `cbor:"10,keyasint"` // runqueue delay, nsec
	IODelay    uint64 `cbor:"11,keyasint"` // block I/O delay, nsec
	MemRSS     uint64 `cbor:"12,keyasint"` // high-water RSS, KiB
	MemVM      uint64 `cbor:"13,keyasint"` // high-water VM, KiB
	ReadBytes  uint64 `cbor:"14,keyasint"`
	WriteBytes uint64 `cbor:"15,keyasint"`
}

// ProcEvent counts process lifecycle events seen since the previous
// sample.
type ProcEvent struct {
	ForkCount uint64 `cbor:"1,keyasint"`
	ExecCount uint64 `cbor:"2,keyasint"`
	ExitCount uint64 `cbor:"3,keyasint"`
	UIDCount  uint64 `cbor:"4,keyasint"` // setuid changes
	GIDCount  uint64 `cbor:"5,keyasint"` // setgid changes
}

// ProcInfo is a per-process status snapshot.
type ProcInfo struct {
	PID        uint32 `cbor:"1,keyasint"`
	PPID       uint32 `cbor:"2,keyasint"`
	Comm       string `cbor:"3,keyasint"`
	State      string `cbor:"4,keyasint"` // single-letter /proc state code
	NumThreads uint32 `cbor:"5,keyasint"`
	VSize      uint64 `cbor:"6,keyasint"` // bytes
	RSS        uint64 `cbor:"7,keyasint"` // pages
}

// ContextInfo reports per-process context switch counters.
type ContextInfo struct {
	PID                 uint32 `cbor:"1,keyasint"`
	Comm                string `cbor:"2,keyasint"`
	VoluntarySwitches   uint64 `cbor:"3,keyasint"`
	InvoluntarySwitches uint64 `cbor:"4,keyasint"`
}

// CPUStat is one /proc/stat cpu line. Core is "cpu" for the aggregate
// line or "cpuN" for a single core.
type CPUStat struct {
	Core      string `cbor:"1,keyasint"`
	User      uint64 `cbor:"2,keyasint"`
	Nice      uint64 `cbor:"3,keyasint"`
	System    uint64 `cbor:"4,keyasint"`
	Idle      uint64 `cbor:"5,keyasint"`
	IOWait    uint64 `cbor:"6,keyasint"`
	IRQ       uint64 `cbor:"7,keyasint"`
	SoftIRQ   uint64 `cbor:"8,keyasint"`
	Steal     uint64 `cbor:"9,keyasint"`
	Guest     uint64 `cbor:"10,keyasint"`
	GuestNice uint64 `cbor:"11,keyasint"`
}

// SysProcStat is a /proc/stat sample: the aggregate line plus one entry
// per core. Storage expands it into one row per entry.
type SysProcStat struct {
	Aggregate CPUStat   `cbor:"1,keyasint"`
	Cores     []CPUStat `cbor:"2,keyasint,omitempty"`
}

// SysProcMeminfo is a /proc/meminfo sample. All values in KiB.
type SysProcMeminfo struct {
	MemTotal     uint64 `cbor:"1,keyasint"`
	MemFree      uint64 `cbor:"2,keyasint"`
	MemAvailable uint64 `cbor:"3,keyasint"`
	Buffers      uint64 `cbor:"4,keyasint"`
	Cached       uint64 `cbor:"5,keyasint"`
	SwapCached   uint64 `cbor:"6,keyasint"`
	Active       uint64 `cbor:"7,keyasint"`
	Inactive     uint64 `cbor:"8,keyasint"`
	SwapTotal    uint64 `cbor:"9,keyasint"`
	SwapFree     uint64 `cbor:"10,keyasint"`
	Dirty        uint64 `cbor:"11,keyasint"`
	Slab         uint64 `cbor:"12,keyasint"`
}

// PressureStat is one /proc/pressure resource line pair.
type PressureStat struct {
	SomeAvg10  float64 `cbor:"1,keyasint"`
	SomeAvg60  float64 `cbor:"2,keyasint"`
	SomeAvg300 float64 `cbor:"3,keyasint"`
	SomeTotal  uint64  `cbor:"4,keyasint"` // usec stalled
	FullAvg10  float64 `cbor:"5,keyasint"`
	FullAvg60  float64 `cbor:"6,keyasint"`
	FullAvg300 float64 `cbor:"7,keyasint"`
	FullTotal  uint64  `cbor:"8,keyasint"`
}

// SysProcPressure is a PSI sample covering all three resources.
type SysProcPressure struct {
	CPU    PressureStat `cbor:"1,keyasint"`
	Memory PressureStat `cbor:"2,keyasint"`
	IO     PressureStat `cbor:"3,keyasint"`
}

// SysProcDiskStats is one /proc/diskstats device line.
type SysProcDiskStats struct {
	Major            uint32 `cbor:"1,keyasint"`
	Minor            uint32 `cbor:"2,keyasint"`
	Name             string `cbor:"3,keyasint"`
	ReadsCompleted   uint64 `cbor:"4,keyasint"`
	ReadsMerged      uint64 `cbor:"5,keyasint"`
	SectorsRead      uint64 `cbor:"6,keyasint"`
	ReadTimeMS       uint64 `cbor:"7,keyasint"`
	WritesCompleted  uint64 `cbor:"8,keyasint"`
	WritesMerged     uint64 `cbor:"9,keyasint"`
	SectorsWritten   uint64 `cbor:"10,keyasint"`
	WriteTimeMS      uint64 `cbor:"11,keyasint"`
	IOInProgress     uint64 `cbor:"12,keyasint"`
	IOTimeMS         uint64 `cbor:"13,keyasint"`
	WeightedIOTimeMS uint64 `cbor:"14,keyasint"`
}

// SysProcVMStat is a /proc/vmstat counter sample.
type SysProcVMStat struct {
	PgPgIn     uint64 `cbor:"1,keyasint"`
	PgPgOut    uint64 `cbor:"2,keyasint"`
	PSwpIn     uint64 `cbor:"3,keyasint"`
	PSwpOut    uint64 `cbor:"4,keyasint"`
	PgFault    uint64 `cbor:"5,keyasint"`
	PgMajFault uint64 `cbor:"6,keyasint"`
	OOMKill    uint64 `cbor:"7,keyasint"`
}

// SysProcBuddyInfo is one /proc/buddyinfo zone line. Orders holds the
// free block counts per allocation order, lowest order first.
type SysProcBuddyInfo struct {
	Node   string   `cbor:"1,keyasint"`
	Zone   string   `cbor:"2,keyasint"`
	Orders []uint64 `cbor:"3,keyasint"`
}

// SysProcWireless is one /proc/net/wireless interface line.
type SysProcWireless struct {
	Name           string `cbor:"1,keyasint"`
	Status         uint32 `cbor:"2,keyasint"`
	LinkQuality    int32  `cbor:"3,keyasint"`
	LevelQuality   int32  `cbor:"4,keyasint"`
	NoiseQuality   int32  `cbor:"5,keyasint"`
	DiscardedNWID  uint64 `cbor:"6,keyasint"`
	DiscardedCrypt uint64 `cbor:"7,keyasint"`
	DiscardedFrag  uint64 `cbor:"8,keyasint"`
	DiscardedRetry uint64 `cbor:"9,keyasint"`
	DiscardedMisc  uint64 `cbor:"10,keyasint"`
	MissedBeacon   uint64 `cbor:"11,keyasint"`
}
