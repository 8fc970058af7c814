/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

type logger struct {
	name      string
	mu        sync.Mutex
	out       io.Writer
	callDepth int
}

var (
	internalLogger = &logger{name: "", out: os.Stdout, callDepth: 4}
	level          atomic.Int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelNoPrint
)

// Log levels accepted by SetLogLevel and SHMSTORE_LOG_LEVEL.
const (
	LogLevelTrace   = levelTrace
	LogLevelDebug   = levelDebug
	LogLevelInfo    = levelInfo
	LogLevelWarn    = levelWarn
	LogLevelError   = levelError
	LogLevelNoPrint = levelNoPrint
)

func init() {
	level.Store(levelWarn)
	if v := os.Getenv("SHMSTORE_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= levelTrace && n <= levelNoPrint {
			level.Store(int32(n))
		}
	}
}

// SetLogLevel used to change the internal logger's level and the default level is Warning.
// The process env `SHMSTORE_LOG_LEVEL` also could set log level
func SetLogLevel(l int) {
	if l >= levelTrace && l <= levelNoPrint {
		level.Store(int32(l))
	}
}

// SetLogOutput redirects the internal logger. A nil writer selects stdout.
func SetLogOutput(out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	internalLogger.mu.Lock()
	internalLogger.out = out
	internalLogger.mu.Unlock()
}

func enabled(l int) bool {
	return int(level.Load()) <= l
}

func (l *logger) errorf(format string, a ...interface{}) {
	if !enabled(levelError) {
		return
	}
	l.write(levelError, fmt.Sprintf(format, a...))
}

func (l *logger) warnf(format string, a ...interface{}) {
	if !enabled(levelWarn) {
		return
	}
	l.write(levelWarn, fmt.Sprintf(format, a...))
}

func (l *logger) infof(format string, a ...interface{}) {
	if !enabled(levelInfo) {
		return
	}
	l.write(levelInfo, fmt.Sprintf(format, a...))
}

func (l *logger) debugf(format string, a ...interface{}) {
	if !enabled(levelDebug) {
		return
	}
	l.write(levelDebug, fmt.Sprintf(format, a...))
}

func (l *logger) tracef(format string, a ...interface{}) {
	if !enabled(levelTrace) {
		return
	}
	l.write(levelTrace, fmt.Sprintf(format, a...))
}

func (l *logger) write(lvl int, msg string) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	l.prefix(buf, lvl)
	_, _ = buf.WriteString(msg)
	_, _ = buf.WriteString(reset)
	_ = buf.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(buf.B); err != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", err)
	}
}

func (l *logger) prefix(buf *bytebufferpool.ByteBuffer, lvl int) {
	_, _ = buf.WriteString(colors[lvl])
	_, _ = buf.WriteString(levelName[lvl])
	_ = buf.WriteByte(' ')
	buf.B = time.Now().AppendFormat(buf.B, "2006-01-02 15:04:05.999999")
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	if l.name != "" {
		_, _ = buf.WriteString(l.name)
		_ = buf.WriteByte(' ')
	}
}

func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}

// DebugRegionDetail prints the header of the region file at path to w
// without attaching to it or taking any lock.
func DebugRegionDetail(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	mem := make([]byte, headerSize)
	if n, err := io.ReadFull(f, mem); err != nil {
		return fmt.Errorf("%w: %s: read %d header bytes: %w", ErrCorruptedEntry, path, n, err)
	}
	h := header{mem: mem}
	_, err = fmt.Fprintf(w,
		"path:%s magic:%q version:%d flags:%#x capacity:%d opLock:%d(pid %d) userLock:%d(pid %d) index:%d+%d arena:%d+%d generation:%d created:%s creator:%d\n",
		path, mem[:len(headerMagic)], h.version(), h.flags(), h.capacity(),
		*h.opLockWord(), *h.opHolderWord(), *h.userLockWord(), *h.userHolderWord(),
		h.indexOffset(), h.indexSize(), h.arenaOffset(), h.arenaSize(),
		h.generation(), h.created().Format(time.RFC3339), h.creator())
	return err
}
