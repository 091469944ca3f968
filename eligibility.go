package fallpaper

import "math"

// ImageMeta is the subset of image attributes the eligibility filter reads.
// Zero Width/Height or Filesize means the value is unknown (upstream items
// often omit dimensions until the bytes are inspected).
type ImageMeta struct {
	Width    int
	Height   int
	Filesize int64
	NSFW     bool
}

// Rejection reasons returned by Eligible. These are stable strings; run
// outputs and tests depend on them.
const (
	ReasonDeviceDisabled  = "device disabled"
	ReasonNSFWRejected    = "nsfw rejected by device policy"
	ReasonNSFWRequired    = "device requires nsfw"
	ReasonAspectRatio     = "aspect ratio out of tolerance"
	ReasonWidthBounds     = "width out of bounds"
	ReasonHeightBounds    = "height out of bounds"
	ReasonFilesizeBounds  = "filesize out of bounds"
	ReasonNoDevices       = "no eligible devices"
	ReasonAlreadyDownload = "already downloaded"
)

// Eligible reports whether an image with the given metadata satisfies the
// device's constraints. It is a pure function: no I/O, deterministic, first
// failing check wins. Checks run in this order: enabled, NSFW policy,
// aspect ratio, dimension bounds, filesize bounds.
func Eligible(d *Device, m ImageMeta) (bool, string) {
	if !d.Enabled {
		return false, ReasonDeviceDisabled
	}

	switch d.NSFWPolicy {
	case NSFWReject:
		if m.NSFW {
			return false, ReasonNSFWRejected
		}
	case NSFWRequire:
		if !m.NSFW {
			return false, ReasonNSFWRequired
		}
	}

	if m.Width > 0 && m.Height > 0 {
		deviceRatio := float64(d.Width) / float64(d.Height)
		imageRatio := float64(m.Width) / float64(m.Height)
		if math.Abs(deviceRatio-imageRatio) > d.AspectRatioTolerance {
			return false, ReasonAspectRatio
		}

		if (d.MinWidth != nil && m.Width < *d.MinWidth) ||
			(d.MaxWidth != nil && m.Width > *d.MaxWidth) {
			return false, ReasonWidthBounds
		}
		if (d.MinHeight != nil && m.Height < *d.MinHeight) ||
			(d.MaxHeight != nil && m.Height > *d.MaxHeight) {
			return false, ReasonHeightBounds
		}
	}

	if m.Filesize > 0 {
		if (d.MinFilesize != nil && m.Filesize < *d.MinFilesize) ||
			(d.MaxFilesize != nil && m.Filesize > *d.MaxFilesize) {
			return false, ReasonFilesizeBounds
		}
	}

	return true, ""
}

// FindEligibleDevices returns the subset of devices for which the image is
// eligible, preserving input order.
func FindEligibleDevices(devices []*Device, m ImageMeta) []*Device {
	var out []*Device
	for _, d := range devices {
		if ok, _ := Eligible(d, m); ok {
			out = append(out, d)
		}
	}
	return out
}
