/*
Package registry holds the lookup tables the engine consults while it runs:

  - Registry, the per-tenant definition cache in front of a ports.DefinitionRepository.
    Lookups never take a lock; Register, Invalidate and Clear publish a new immutable
    map that every later reader observes.
  - Handlers, which resolves node executors by node type and compensation handlers by
    the name referenced in a node's "compensation" config key.
*/
package registry
