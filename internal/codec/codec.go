// Package codec holds the CBOR encoding shared by the wire protocol, the
// block store and the memcached checkpoint cache.
package codec

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode     cbor.EncMode
	encModeOnce sync.Once
	encModeErr  error

	decMode     cbor.DecMode
	decModeOnce sync.Once
	decModeErr  error
)

// maxNestedLevels bounds nesting of decoded values.
const maxNestedLevels = 64

func getEncMode() (cbor.EncMode, error) {
	encModeOnce.Do(func() {
		opts := cbor.CoreDetEncOptions()
		encMode, encModeErr = opts.EncMode()
	})
	return encMode, encModeErr
}

func getDecMode() (cbor.DecMode, error) {
	decModeOnce.Do(func() {
		decMode, decModeErr = cbor.DecOptions{
			MaxNestedLevels: maxNestedLevels,
			DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		}.DecMode()
	})
	return decMode, decModeErr
}

// Encode serializes v using deterministic (core) CBOR so equal values always
// produce equal bytes.
func Encode(v any) ([]byte, error) {
	em, err := getEncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	data, err := em.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode %T: %w", v, err)
	}
	return data, nil
}

// Decode parses data into v, which must be a non-nil pointer.
func Decode(data []byte, v any) error {
	dm, err := getDecMode()
	if err != nil {
		return fmt.Errorf("cbor dec mode: %w", err)
	}
	if err := dm.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode %T: %w", v, err)
	}
	return nil
}
