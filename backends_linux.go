//go:build linux && (amd64 || arm64)

package capsa

import (
	"github.com/luizribeiro/capsa/internal/backend"
	"github.com/luizribeiro/capsa/internal/backend/kvm"
)

// compiledBackends lists the backends built into this binary, in
// selection order.
func compiledBackends() []backend.Backend {
	return []backend.Backend{kvm.New()}
}
