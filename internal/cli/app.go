// Copyright 2025 Tom Barlow
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

// Package cli is the operator CLI's command tree (§4.11): job, workflow,
// run, and executor subcommands over the same store.Store/lifecycle
// primitives the engine itself uses. Grounded on the teacher's
// internal/cli + internal/commands/* split, collapsed to one package
// since taskflowctl's surface is a fraction of the teacher's.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tombee/taskflow/internal/lifecycle"
	"github.com/tombee/taskflow/internal/registry"
	"github.com/tombee/taskflow/internal/store"
)

// App carries the dependencies every subcommand needs plus the global
// --json output flag.
type App struct {
	Store     store.Store
	Lifecycle *lifecycle.Lifecycle
	Registry  *registry.Registry
	Out       io.Writer

	JSON bool
}

// printJSON writes v as indented JSON to a.Out.
func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printOrJSON writes v as JSON when --json is set, else runs human.
func (a *App) printOrJSON(v any, human func() error) error {
	if a.JSON {
		return a.printJSON(v)
	}
	return human()
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.Out, format, args...)
}
