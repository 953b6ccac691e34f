package solution

import (
	"errors"

	"github.com/joeydtaylor/steeze-vision/pkg/registry"
)

// Register binds the built-in solutions and detector methods into reg.
func Register(reg *registry.Registry) error {
	return errors.Join(
		reg.Register(Kind, "raw_stream", rawStreamFactory, false),
		reg.Register(Kind, "raw_datachannel", rawDatachannelFactory, false),
		reg.Register(Kind, "object_detection", objectDetectionFactory, false),
		reg.Register(Kind, "person_detection", personDetectionFactory, false),

		reg.Register(KindObjectDetector, "frame_diff", objectFrameDiff, false),
		reg.Register(KindObjectDetector, "http", objectHTTP, false),
		reg.Register(KindPersonDetector, "frame_diff", personFrameDiff, false),
		reg.Register(KindPersonDetector, "http", personHTTP, false),
	)
}

var (
	objectFrameDiff = frameDiffFactory("motion")
	personFrameDiff = frameDiffFactory("person")
	objectHTTP      = httpDetectorFactory(nil)
	personHTTP      = httpDetectorFactory([]string{"person"})
)
