package storagetest

import (
	"fmt"

	"github.com/google/uuid"
)

func newUUID() uuid.UUID { return uuid.New() }

// mustHash returns a distinct argsHash per call so jobs sharing a class,
// method, and job name still carry distinct signatures in tests that need
// several non-deduplicated jobs in the same state.
func mustHash(i int) string { return fmt.Sprintf("hash-%d", i) }
