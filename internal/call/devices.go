package call

import (
	"context"

	"sudooom.im.client/internal/media"
	"sudooom.im.client/internal/model"
)

// NoCameraNotice 视频通话降级为语音时的提示
const NoCameraNotice = "No camera found. Starting audio-only call..."

// plan 设备枚举结果
type plan struct {
	constraints media.Constraints
	media       model.MediaType
	notice      string
}

// planDevices 在申请设备前先枚举：视频通话没有摄像头但有麦克风时降级为语音，
// 两类设备都没有时直接失败
func planDevices(ctx context.Context, devices media.Devices, requested model.MediaType) (plan, *Error) {
	list, err := devices.Enumerate(ctx)
	if err != nil {
		return plan{}, deviceError(err)
	}
	inv := media.Count(list)
	if inv.Audio == 0 && inv.Video == 0 {
		return plan{}, newError(KindNoDeviceFound, media.ErrDeviceNotFound)
	}

	if requested != model.MediaVideo {
		if inv.Audio == 0 {
			return plan{}, newError(KindNoDeviceFound, media.ErrDeviceNotFound)
		}
		return plan{constraints: media.Constraints{Audio: true}, media: model.MediaVoice}, nil
	}

	switch {
	case inv.Video == 0:
		return plan{
			constraints: media.Constraints{Audio: true},
			media:       model.MediaVoice,
			notice:      NoCameraNotice,
		}, nil
	case inv.Audio == 0:
		return plan{constraints: media.Constraints{Video: true}, media: model.MediaVideo}, nil
	default:
		return plan{constraints: media.Constraints{Audio: true, Video: true}, media: model.MediaVideo}, nil
	}
}
