package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	Logging    LoggingConfig            `json:"logging"`
	Storage    StorageConfig            `json:"storage"`
	Browser    BrowserConfig            `json:"browser"`
	Automation AutomationConfig         `json:"automation"`
	Profiles   map[string]ProfileConfig `json:"profiles,omitempty"`
	Pools      PoolsConfig              `json:"pools"`
	Control    ControlConfig            `json:"control"`
	Telegram   TelegramConfig           `json:"telegram"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the bot owners.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the key-value backend.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/tabrunner.db }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

// BrowserConfig selects how documents are opened.
//
// Driver "chromedp" (default) launches or attaches to Chrome; "fake" opens
// nothing and reports every script as successful (dry runs).
type BrowserConfig struct {
	Driver          string `json:"driver"`
	RemoteURL       string `json:"remote_url,omitempty"`
	ExecPath        string `json:"exec_path,omitempty"`
	UserDataDir     string `json:"user_data_dir,omitempty"`
	Headless        *bool  `json:"headless,omitempty"` // default true
	NavigateTimeout string `json:"navigate_timeout,omitempty"`
}

// AutomationConfig holds the default run settings and loop timing.
//
// The wait fields seed the stored settings on first start; after that the
// stored settings (editable through the control API) win.
type AutomationConfig struct {
	MinWait       int    `json:"min_wait"`        // minutes
	MaxWait       int    `json:"max_wait"`        // minutes
	WaitAfterOpen int    `json:"wait_after_open"` // seconds
	WaitAfterSend int    `json:"wait_after_send"` // seconds
	Profile       string `json:"profile"`

	HistoryMax int `json:"history_max,omitempty"`

	// ResumeOnStart restarts an interrupted run at boot. Default true.
	ResumeOnStart *bool `json:"resume_on_start,omitempty"`

	// AutoStart is a cron expression, Go duration or HH:MM interval.
	AutoStart string `json:"auto_start,omitempty"`
	Timezone  string `json:"timezone,omitempty"`

	Tick             string `json:"tick,omitempty"`
	Settle           string `json:"settle,omitempty"`
	ReadyInterval    string `json:"ready_interval,omitempty"`
	ReadyAttempts    int    `json:"ready_attempts,omitempty"`
	SubmitRetryDelay string `json:"submit_retry_delay,omitempty"`
}

// ProfileConfig defines a profile or overrides fields of a built-in one.
type ProfileConfig struct {
	Address     string            `json:"address,omitempty"`
	Ready       string            `json:"ready,omitempty"`
	Fill        string            `json:"fill,omitempty"`
	Submit      string            `json:"submit,omitempty"`
	Selectors   map[string]string `json:"selectors,omitempty"`
	LabelFrom   string            `json:"label_from,omitempty"`
	HTMLMessage bool              `json:"html_message,omitempty"`
}

type PoolsConfig struct {
	Subjects []string `json:"subjects,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

// ControlConfig configures the HTTP control API.
//
// Security note: prefer a loopback address; set a token for anything else.
type ControlConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8787"
	Token   string `json:"token,omitempty"` // bearer token (do not log)
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	NotifyItems  bool    `json:"notify_items,omitempty"`
}
