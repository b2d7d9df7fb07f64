package define

import "time"

// AppID is the identifier used for filesystem/config directories.
const AppID = "browserpilot"

// AppDisplayName is the human-readable product name.
const AppDisplayName = "BrowserPilot"

// DefaultSQLiteFileName is the run-journal database file name.
const DefaultSQLiteFileName = "journal.sqlite"

// DefaultCookieFileName is the persisted cookie store file name.
const DefaultCookieFileName = "cookies.json"

// MemoryDirName is the subdirectory holding site-memory card files.
const MemoryDirName = "memory"

// Browser/session resource caps.
const (
	MaxTabsPerSession = 20
	MaxCookieDomains  = 200
	MaxConcurrentRuns = 5
	NetworkRingSize   = 200
	ConsoleRingSize   = 100
	DialogRingSize    = 20
	PopupRingSize     = 10
	DownloadRingSize  = 50
)

// Timing defaults. Durations the LLM sees are always expressed in
// milliseconds; these are the process-side equivalents.
const (
	NavigationTimeout    = 30 * time.Second
	StabilityTimeout     = 5 * time.Second
	StabilityQuietWindow = 500 * time.Millisecond
	LLMTimeout           = 120 * time.Second
	AskHumanTimeout      = 5 * time.Minute
	RunHardTimeout       = 600 * time.Second
	AgentHardTimeout     = 10 * time.Minute

	SessionSweepInterval  = 60 * time.Second
	IdleBrowserCloseDelay = 2 * time.Minute
	HeadfulCookieSyncTick = 30 * time.Second
	CookieSaveDebounce    = 5 * time.Second
	HeadfulMinRemaining   = time.Hour

	RunTTLAfterTerminal      = 30 * time.Minute
	ArtifactTTLAfterTerminal = 24 * time.Hour
)

// ArtifactChunkLimit caps a single artifact read, in bytes.
const ArtifactChunkLimit = 256 * 1024

// ToolResultBudget is the character budget for a formatted tool result.
const ToolResultBudget = 4000

// Env is set at build time ("development" or "production").
var Env = "development"

// IsDev reports whether the process runs in development mode.
func IsDev() bool {
	return Env == "development"
}
