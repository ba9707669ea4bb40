//go:build !darwin && !(linux && (amd64 || arm64))

package capsa

import "github.com/luizribeiro/capsa/internal/backend"

func compiledBackends() []backend.Backend { return nil }
