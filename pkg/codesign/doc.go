// Package codesign signs macOS bundles inside out with Apple's codesign tool.
//
// # Signing order
//
// A signing Plan walks a bundle's Contents directory and produces the
// codesign invocations in an order that keeps every seal valid: nested
// .app/.appex bundles are completed before any file of their parent, and a
// bundle's own signature always comes last.
//
//	steps, err := codesign.Plan(os.DirFS(parent), "Firefox.app", cfg)
//
// The Engine runs a plan through a tool.Runner and retries flaky codesign
// runs:
//
//	e := &codesign.Engine{Config: cfg, Runner: &tool.ExecRunner{}}
//	err := e.SignAll(ctx, bundles, entitlementsPath)
//
// # Inspection
//
// Inspect reads the embedded signature of every slice of a Mach-O binary
// without Apple tooling, which the engine uses to confirm the hardened
// runtime after a verified signing run.
package codesign
