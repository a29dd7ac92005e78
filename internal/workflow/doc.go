// Package workflow models agent workflows: ordered steps, their dependency
// relation and the parallel groups derived from it. It also turns an intent
// analysis into a ready-to-orchestrate workflow.
package workflow
