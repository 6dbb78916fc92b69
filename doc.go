// Command macsign signs, packages and notarizes macOS release artifacts.
//
// A run takes a task description listing the upstream artifacts (tar, dmg or
// zip archives holding an .app bundle) and the behavior to apply:
//
//	sign          extract, unlock the keychain, sign, repackage
//	sign_and_pkg  sign, then build and copy signed installer packages
//	notarize      sign, package, submit, poll, staple, repackage
//	notarize_1    sign, package, submit and publish the uuid manifest
//	notarize_3    staple the bundles a notarize_1 task published
//	single_file   sign only the files matching the task's globs
//
// Signing settings come from a YAML file with one entry per signing key;
// secrets come from the environment.
//
// See the pkg/ directory for the library packages: tool runs the external
// programs, codesign, installer and notarize implement the stages, and
// workflow strings them together.
package main
