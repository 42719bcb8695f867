package main

import (
	"pilotnerd-agent/internal/facts"
	"pilotnerd-agent/internal/recorder"
)

// lifecycleObserver fans dispatcher lifecycle events into the flight
// recorder and the fact engine. The recorder keeps the raw field map; facts
// use the fixed argument order declared in schemas/dispatch.mg.
func lifecycleObserver(rec *recorder.Recorder, engine *facts.Engine) func(string, map[string]interface{}) {
	return func(event string, fields map[string]interface{}) {
		rec.Record(event, fields)

		id, _ := fields["id"].(string)
		switch event {
		case "command_received":
			cmdType, _ := fields["type"].(string)
			engine.Add(event, id, cmdType)
		case "command_registered":
			timeoutMs, _ := fields["timeout_ms"].(int64)
			engine.Add(event, id, timeoutMs)
		case "command_duplicate":
			engine.Add(event, id)
		case "frame_resolved":
			allFrames, _ := fields["all_frames"].(bool)
			frameCount, _ := fields["frame_count"].(int)
			engine.Add(event, id, allFrames, frameCount)
		case "command_terminal":
			status, _ := fields["status"].(string)
			reason, _ := fields["reason"].(string)
			engine.Add(event, id, status, reason)
		}
	}
}
