// Package api is the JSON adapter over the job lifecycle and monitoring
// services. Handlers decode and validate requests, call exactly one service
// method and map its errors to status codes with MapErrorToStatusCode. They
// hold no business rules and never talk to the review provider.
package api
