// Package api exposes the REST surface of the research service: submitting
// research topics, polling task state, downloading generated reports, and
// serving health and metrics endpoints. It is the single place where
// configuration and execution errors become user-facing messages.
package api
