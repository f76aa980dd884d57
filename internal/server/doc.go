// Package server hosts the Fiber HTTP service that fronts the caching agent.
// It attaches the recover and request-ID middlewares, forwards every request
// outside the /-/ diagnostics prefix to the injected ProxyHandler, and leaves
// diagnostics endpoints to the routes subpackage. Keep exports narrow and
// accept explicit dependencies so tests can inject fake handlers.
package server
