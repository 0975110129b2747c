/*
Package router implements exchange routing and task-to-queue resolution.

Routing is a pure function over a topology snapshot: given an exchange, a
routing key, and optional headers, it returns the set of destination queues.
The router holds no state of its own, which keeps routing decisions
reproducible and trivially testable.

# Exchange Kinds

Direct:
  - Binding matches when its key equals the routing key exactly

Topic:
  - Binding key is a dot-separated pattern
  - "*" matches exactly one segment, "#" matches zero or more
  - "orders.*.placed" matches "orders.eu.placed" but not "orders.placed"
  - "orders.#" matches both

Fanout:
  - Every binding matches regardless of key

Headers:
  - Binding carries a header table and a match mode
  - "all" requires every entry to match, "any" requires at least one

# Routing Semantics

Bindings may point at queues or at other exchanges. Exchange-to-exchange
bindings are followed transitively with cycle protection, and the resulting
queue set is deduplicated. When no binding matches and the exchange declares
an Alternate, the alternate exchange is consulted with the same key before
the publish is declared unroutable.

The Result carries the matched queues and, when empty, a reason
(no-binding, no-match) that feeds the unroutable counter.

# Task Routing

RouteTask resolves a task definition name to its destination queue:

 1. Route rules are scanned in priority order; Pattern is a glob over
    task names where "*" matches any run of characters
 2. The first matching rule wins
 3. With no matching rule, the definition's own Queue field applies

A task with neither a matching rule nor a default queue resolves to the
empty string; the runtime rejects the envelope at enqueue, where the error
has an envelope to attach to.

# Usage

	result := router.Route(snap, "orders", "order.eu.placed", nil)
	for _, queue := range result.Queues {
		enqueueTo(queue)
	}

	queue, err := router.RouteTask(snap, "billing.settle")

Validation helpers are used at declaration time so malformed keys and
patterns are rejected before they reach the hot path:

	router.ValidateRoutingKey("order.placed")
	router.ValidateTopicPattern("orders.#")

# Integration Points

  - pkg/engine routes every publish and task submission
  - pkg/runtime routes dead-letter forwards through the same code path,
    so a dead-letter target behaves like any other exchange
  - pkg/topology validates patterns and keys when bindings are declared
*/
package router
