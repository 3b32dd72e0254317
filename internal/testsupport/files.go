package testsupport

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = 0x42
	}

	remaining := size
	for remaining > 0 {
		toWrite := min(int64(chunkSize), remaining)
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// SeparatorScript returns a shell body that mimics spleeter: it writes one
// file per stem into the directory following -o, named <stem>.<codec>, and
// exits with code. Use it with WithSeparatorScript.
func SeparatorScript(codec string, code int, stems ...string) string {
	body := `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done
echo "INFO:spleeter:Loading audio"
`
	for _, stem := range stems {
		body += `printf 'stem-` + stem + `' > "$out/` + stem + `.` + codec + `"
`
	}
	body += "echo \"INFO:spleeter:done\" 1>&2\n"
	if code != 0 {
		body += "exit " + strconv.Itoa(code) + "\n"
	}
	return body
}
