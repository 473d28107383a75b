// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Octal is the datatype for parameters such as the create mode passed to
// mkdir/create, which are conventionally written in base 8.
type Octal uint32

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(o), 8)), nil
}

// LogSeverity mirrors the slog-based severities the logger package
// understands.
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var validSeverities = []string{
	string(TraceLogSeverity), string(DebugLogSeverity), string(InfoLogSeverity),
	string(WarningLogSeverity), string(ErrorLogSeverity), string(OffLogSeverity),
}

func (s *LogSeverity) UnmarshalText(text []byte) error {
	v := strings.ToUpper(string(text))
	if !slices.Contains(validSeverities, v) {
		return fmt.Errorf("invalid log severity %q, must be one of %v", string(text), validSeverities)
	}
	*s = LogSeverity(v)
	return nil
}

// LogFormat is either "text" or "json".
type LogFormat string

const (
	TextLogFormat LogFormat = "text"
	JSONLogFormat LogFormat = "json"
)

func (f *LogFormat) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	if v != string(TextLogFormat) && v != string(JSONLogFormat) {
		return fmt.Errorf("invalid log format %q, must be %q or %q", string(text), TextLogFormat, JSONLogFormat)
	}
	*f = LogFormat(v)
	return nil
}

// Scheme distinguishes the two endpoint transports the CLI accepts.
type Scheme string

const (
	SchemeIPC Scheme = "ipc"
	SchemeTCP Scheme = "tcp"
)

// Endpoint is a parsed `ipc://<path>` or `tcp://<host>:<port>` URI, as
// passed to --listen/--connect.
type Endpoint struct {
	Scheme  Scheme
	Path    string // socket path, for ipc://
	Address string // host:port, for tcp://
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeIPC:
		return "ipc://" + e.Path
	case SchemeTCP:
		return "tcp://" + e.Address
	default:
		return ""
	}
}

// ParseEndpoint validates and decomposes an endpoint URI.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}

	switch u.Scheme {
	case "ipc":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return Endpoint{}, fmt.Errorf("ipc endpoint %q is missing a path", raw)
		}
		return Endpoint{Scheme: SchemeIPC, Path: path}, nil
	case "tcp":
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("tcp endpoint %q is missing host:port", raw)
		}
		return Endpoint{Scheme: SchemeTCP, Address: u.Host}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q, want ipc or tcp", u.Scheme)
	}
}

func (e *Endpoint) UnmarshalText(text []byte) error {
	parsed, err := ParseEndpoint(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}
