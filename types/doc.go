// Package types defines the shared vocabulary of the fedflow framework:
// participant identity and roles, and the structured error taxonomy used
// across graph validation, reference resolution, and backend execution.
package types
