package autoreconnect

import (
	"errors"
	"fmt"

	"github.com/nearbymesh/nearbycore/medium"
)

var errUnexpectedFrame = errors.New("autoreconnect: unexpected frame")

func errNoMedium(k medium.Kind) error {
	return fmt.Errorf("autoreconnect: medium %s not available", k)
}
