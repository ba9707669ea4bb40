//go:build darwin

package capsa

import (
	"github.com/luizribeiro/capsa/internal/backend"
	"github.com/luizribeiro/capsa/internal/backend/vfkit"
	"github.com/luizribeiro/capsa/internal/backend/vz"
	"github.com/luizribeiro/capsa/internal/backend/vzsub"
)

// compiledBackends lists the backends built into this binary, in
// selection order: the subprocess strategy is preferred because it owns
// the framework's main-thread requirement; vfkit is next for hosts with
// the helper installed; the native strategy comes last since it demands
// that the caller ceded the main thread.
func compiledBackends() []backend.Backend {
	return []backend.Backend{vzsub.New(), vfkit.New(), vz.New()}
}
