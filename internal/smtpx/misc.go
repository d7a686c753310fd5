package smtpx

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/modfin/brevq/tools"
)

// GenerateId creates a Message-ID local part unique to this host and process.
func GenerateId(hostname string) (string, error) {
	random, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return "", fmt.Errorf("could not read random, %w", err)
	}
	if hostname == "" {
		hostname = tools.Hostname()
	}
	nanoTime := time.Now().UTC().UnixNano()

	return fmt.Sprintf("%d.%d@%s", nanoTime, random, hostname), nil
}
