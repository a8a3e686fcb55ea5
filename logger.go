// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// StringToLevel maps the accepted level names to zerolog levels.
var StringToLevel = map[string]zerolog.Level{
	"DEBUG":   zerolog.DebugLevel,
	"INFO":    zerolog.InfoLevel,
	"WARN":    zerolog.WarnLevel,
	"WARNING": zerolog.WarnLevel,
	"ERROR":   zerolog.ErrorLevel,
	"NONE":    zerolog.Disabled,
}

// ParseLevel parses a level name case-insensitively. An empty name means INFO.
func ParseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	if level, ok := StringToLevel[strings.ToUpper(name)]; ok {
		return level, nil
	}
	return zerolog.NoLevel, fmt.Errorf("invalid log level: %s. Available levels: %v", name, availableLevels())
}

func availableLevels() []string {
	levels := make([]string, 0, len(StringToLevel))
	for name := range StringToLevel {
		levels = append(levels, name)
	}
	slices.Sort(levels)
	return levels
}

// NewLogger creates a timestamped logger writing JSON lines to w.
func NewLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// NewComponentLogger tags every record with component. A nil writer disables logging.
func NewComponentLogger(w io.Writer, component string) zerolog.Logger {
	if w == nil {
		return zerolog.Nop()
	}
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}
