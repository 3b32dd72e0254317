package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// CheckFFmpegForSeparator reports the FFmpeg binary spleeter will decode
// audio with.
//
// spleeter is usually installed into a virtualenv and shells out to "ffmpeg"
// through PATH. An ffmpeg placed next to the spleeter executable (the venv
// bin directory) is found first when that directory is on PATH, so it is
// preferred here too.
func CheckFFmpegForSeparator(separatorCommand string) Status {
	result := Status{
		Name:        "FFmpeg",
		Description: "Used by spleeter to decode and encode audio",
	}

	separatorBinary := strings.TrimSpace(separatorCommand)
	if separatorBinary != "" {
		if resolved, err := exec.LookPath(separatorBinary); err == nil {
			candidate := filepath.Join(filepath.Dir(resolved), executableName("ffmpeg"))
			if info, statErr := os.Stat(candidate); statErr == nil && isExecutable(info) {
				result.Command = candidate
				result.Available = true
				return result
			}
		}
	}

	ffmpegName := "ffmpeg"
	if ffmpegPath, err := exec.LookPath(ffmpegName); err == nil {
		result.Command = ffmpegPath
		result.Available = true
		return result
	}

	result.Command = ffmpegName
	result.Available = false
	result.Detail = fmt.Sprintf("binary %q not found", ffmpegName)
	return result
}

func executableName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

func isExecutable(info os.FileInfo) bool {
	if info == nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
