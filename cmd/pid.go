package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrJobLocked is returned when another live process holds a job's lease
var ErrJobLocked = errors.New("job is already running")

// TaskInfo is the status of a running export, refreshed after every page
type TaskInfo struct {
	PID         int       `json:"pid"`
	RunID       string    `json:"run_id"`
	JobID       string    `json:"job_id"`
	Dataset     string    `json:"dataset"`
	Format      string    `json:"format"`
	StartTime   time.Time `json:"start_time"`
	CurrentTask string    `json:"current_task"`
	CurrentFile string    `json:"current_file,omitempty"`
	Cursor      string    `json:"cursor,omitempty"`
	Pages       int       `json:"pages"`
	Rows        int64     `json:"rows"`
	LastUpdate  time.Time `json:"last_update"`
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func stateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".data-exporter")
}

func fileSafe(jobID string) string {
	return unsafeFileChars.ReplaceAllString(jobID, "_")
}

// GetPIDFilePath returns the lease file of a job
func GetPIDFilePath(jobID string) string {
	return filepath.Join(stateDir(), "locks", fileSafe(jobID)+".pid")
}

// GetTaskFilePath returns the task info file of a job
func GetTaskFilePath(jobID string) string {
	return filepath.Join(stateDir(), "tasks", fileSafe(jobID)+".json")
}

// DefaultCheckpointPath is the local SQLite checkpoint database
func DefaultCheckpointPath() string {
	return filepath.Join(stateDir(), "checkpoints.db")
}

// AcquireJobLock takes the lease for jobID. A lease left behind by a dead
// process is taken over. The returned function releases it.
func AcquireJobLock(jobID string) (func() error, error) {
	pidPath := GetPIDFilePath(jobID)
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(pidPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(pidPath)
				return nil, werr
			}
			return func() error { return os.Remove(pidPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		pid, rerr := ReadPIDFile(jobID)
		if rerr == nil && IsProcessRunning(pid) {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrJobLocked, jobID, pid)
		}
		// stale lease
		if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobLocked, jobID)
}

// ReadPIDFile reads the PID holding a job's lease
func ReadPIDFile(jobID string) (int, error) {
	data, err := os.ReadFile(GetPIDFilePath(jobID))
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 performs the existence check without delivering anything
	return process.Signal(syscall.Signal(0)) == nil
}

// WriteTaskInfo writes current task information to file
func WriteTaskInfo(info *TaskInfo) error {
	taskPath := GetTaskFilePath(info.JobID)
	if err := os.MkdirAll(filepath.Dir(taskPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task info: %w", err)
	}

	// write then rename so readers never see a partial file
	tmp := taskPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, taskPath)
}

// ReadTaskInfo reads the task information of a job
func ReadTaskInfo(jobID string) (*TaskInfo, error) {
	data, err := os.ReadFile(GetTaskFilePath(jobID))
	if err != nil {
		return nil, err
	}

	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task info: %w", err)
	}

	return &info, nil
}

// ListTaskInfos returns the task info of every job with a task file,
// ordered by job id
func ListTaskInfos() ([]*TaskInfo, error) {
	entries, err := os.ReadDir(filepath.Join(stateDir(), "tasks"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var infos []*TaskInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stateDir(), "tasks", entry.Name()))
		if err != nil {
			continue
		}
		var info TaskInfo
		if json.Unmarshal(data, &info) == nil {
			infos = append(infos, &info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].JobID < infos[j].JobID })
	return infos, nil
}

// RemoveTaskFile removes the task info file of a job
func RemoveTaskFile(jobID string) error {
	return os.Remove(GetTaskFilePath(jobID))
}
