package worker

import "strconv"

// parseKeyhash decodes the decimal string keys rpc.GetDestinationsResponse
// uses (JSON object keys must be strings, but keyhash is logically a
// uint32).
func parseKeyhash(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
