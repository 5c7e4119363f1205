package service

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const orderNumberPrefix = "TH"

// newOrderNumber builds "TH" + the last six digits of the millisecond clock
// + six characters of ulid entropy. The unique index on orders decides.
func newOrderNumber(now time.Time) string {
	id := ulid.Make().String()
	return fmt.Sprintf("%s%06d%s", orderNumberPrefix, now.UnixMilli()%1_000_000, id[len(id)-6:])
}
