package cache

import "fmt"

// APIKeyLookupKey caches the validator's lookup for a presented key value.
// Every key mutation must evict this entry before returning.
func APIKeyLookupKey(keyValue string) string {
	return fmt.Sprintf("apikey:lookup:%s", keyValue)
}

func RateLimitKey(keyValue string) string {
	return fmt.Sprintf("ratelimit:%s", keyValue)
}
