// Package resilience groups the failure-handling building blocks of the
// delivery worker.
//
//   - circuitbreaker: one gobreaker-backed breaker per provider, a registry
//     the router consults before every attempt, and a breaker-wrapped *sql.DB
//     for the postgres backend
//   - retry: the queue-level retry policy (classification, exponential
//     backoff with jitter, Retry-After floors) and WithBackoff for short
//     in-process retries such as database dials and alert webhooks
//
// Usage Example:
//
//	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig("", ""))
//	cb := breakers.Register("twilio-sms", entity.CapabilityChannel)
//	res, err := cb.Execute(func() (interface{}, error) {
//	    return provider.Deliver(ctx, item)
//	})
//
//	decision := retry.DefaultPolicy().Decide(item, err, time.Now())
package resilience
