package session

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory, mainly for tests and containers.
const HomeEnv = "CHATMIRROR_HOME"

// maxSocketPath stays below the smallest sun_path limit (104 bytes on BSD).
const maxSocketPath = 100

// Layout lists every path a session owns, in display order.
type Layout struct {
	Config  string `json:"config"`
	Session string `json:"session"`
	Socket  string `json:"socket"`
	Lock    string `json:"lock"`
	Archive string `json:"archive"`
	Source  string `json:"source"`
	Log     string `json:"log"`
}

// For returns the layout of session name.
func For(name string) Layout {
	return Layout{
		Config:  ConfigPath(),
		Session: Dir(name),
		Socket:  SocketPath(name),
		Lock:    LockPath(name),
		Archive: ArchiveDBPath(name),
		Source:  SourceDir(name),
		Log:     LogPath(name),
	}
}

// BaseDir returns ~/.chatmirror, or $CHATMIRROR_HOME when set.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatmirror")
}

// Dir returns the directory holding everything of one session.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the health socket of a session. Deep session
// directories would overflow the unix socket path limit, so those sockets
// move to the temp dir under a name derived from the session directory.
func SocketPath(name string) string {
	path := filepath.Join(Dir(name), "daemon.sock")
	if len(path) <= maxSocketPath {
		return path
	}
	sum := sha256.Sum256([]byte(Dir(name)))
	return filepath.Join(os.TempDir(), "chatmirror-"+hex.EncodeToString(sum[:8])+".sock")
}

// LockPath is the single-writer lock taken by mirrord.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// ArchiveDBPath returns the sqlite archive path.
func ArchiveDBPath(name string) string {
	return filepath.Join(Dir(name), "archive.db")
}

// SourceDir returns the default chat export directory.
func SourceDir(name string) string {
	return filepath.Join(Dir(name), "source")
}

func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

func LogPath(name string) string {
	return filepath.Join(LogDir(name), "mirrord.log")
}

// ConfigPath is shared by every session.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session's private directories (mode 0700).
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), SourceDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
