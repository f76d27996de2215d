// Package core holds the credential issuance domain: the issuance state
// machine, grade freshness checks, retry ladders, task identity and the
// collaborator contracts implemented by stores and adapters. Adapters depend
// on this package; core depends only on the ratelimit package.
package core
