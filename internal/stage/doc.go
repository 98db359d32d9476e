// Package stage holds the pipeline processors that make up one call.
//
// The chain runs VAD → Recognizer → Aggregator → Responder. Each stage is a
// [pipeline.Processor] driven from the pipeline's single consumer goroutine.
// Work that outlives one Process call (provider readers, commit timers,
// generation) runs on goroutines owned by the stage and reports back by
// submitting frames through a [pipeline.Submitter], never by calling into
// other stages.
package stage
