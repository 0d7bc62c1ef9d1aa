package buildpipeline

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

// Labeled tags every event with file before passing it on.
func Labeled(sink ProgressSink, file string) ProgressSink {
	if sink == nil {
		return nil
	}
	return labeled{sink: sink, file: file}
}

type labeled struct {
	sink ProgressSink
	file string
}

func (l labeled) OnEvent(evt Event) {
	evt.File = l.file
	l.sink.OnEvent(evt)
}
