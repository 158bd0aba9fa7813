// Package pipeline loads a pipeline definition and constructs its task
// graph stage by stage.
package pipeline
