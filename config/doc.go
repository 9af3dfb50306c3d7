// Package config loads run configuration for fedflow: participant ids,
// round ceiling, backend and store selection, failure tolerance, and
// checkpoint location. Values come from defaults, an optional YAML file,
// and FEDFLOW_* environment overrides, in that precedence order.
package config
