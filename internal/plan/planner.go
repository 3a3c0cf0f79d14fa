package plan

import (
	"fmt"
	"math"
	"sort"

	"github.com/maauso/vidopt/internal/media"
)

// Resolution is one rung of the output resolution ladder.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// ShortSide returns the smaller of the two dimensions.
func (r Resolution) ShortSide() int {
	return min(r.Width, r.Height)
}

// LongSide returns the larger of the two dimensions.
func (r Resolution) LongSide() int {
	return max(r.Width, r.Height)
}

// String formats the resolution as "WxH".
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// DefaultLadder is the resolution ladder used when none is configured.
var DefaultLadder = []Resolution{
	{Width: 1920, Height: 1080},
	{Width: 1280, Height: 720},
	{Width: 854, Height: 480},
	{Width: 640, Height: 360},
	{Width: 426, Height: 240},
}

// Default planning parameters.
const (
	DefaultSafetyMargin    = 0.05
	DefaultMinBitrateBps   = 64_000
	DefaultAudioBitrateBps = 128_000
)

// Options configures a Planner.
type Options struct {
	// SafetyMargin is the fraction of a size budget reserved for container overhead.
	SafetyMargin float64
	// MinBitrateBps is the floor below which output is considered unplayable.
	MinBitrateBps int64
	// AudioBitrateBps is the preferred audio bitrate. Audio never takes more
	// than a quarter of the target.
	AudioBitrateBps int64
	// Ladder lists the allowed output resolutions.
	Ladder []Resolution
	// Container is the output container; codecs default per container.
	Container  Container
	VideoCodec string
	AudioCodec string
}

// DefaultOptions returns the default planning options.
func DefaultOptions() Options {
	return Options{
		SafetyMargin:    DefaultSafetyMargin,
		MinBitrateBps:   DefaultMinBitrateBps,
		AudioBitrateBps: DefaultAudioBitrateBps,
		Ladder:          DefaultLadder,
		Container:       ContainerMP4,
	}
}

// Planner turns descriptors and budgets into Plans.
// A Planner is immutable and safe for concurrent use.
type Planner struct {
	opts Options
}

// NewPlanner creates a Planner, filling unset options with defaults.
func NewPlanner(opts Options) (*Planner, error) {
	if opts.SafetyMargin < 0 || opts.SafetyMargin >= 1 {
		return nil, fmt.Errorf("%w: safety margin %.3f outside [0,1)", media.ErrInvalidInput, opts.SafetyMargin)
	}
	if opts.MinBitrateBps < 0 || opts.AudioBitrateBps < 0 {
		return nil, fmt.Errorf("%w: bitrates must not be negative", media.ErrInvalidInput)
	}
	if opts.MinBitrateBps == 0 {
		opts.MinBitrateBps = DefaultMinBitrateBps
	}
	if opts.Container == "" {
		opts.Container = ContainerMP4
	}
	if !opts.Container.IsValid() {
		return nil, fmt.Errorf("%w: unknown container %q", media.ErrInvalidInput, opts.Container)
	}
	video, audio := opts.Container.DefaultCodecs()
	if opts.VideoCodec == "" {
		opts.VideoCodec = video
	}
	if opts.AudioCodec == "" {
		opts.AudioCodec = audio
	}
	if len(opts.Ladder) == 0 {
		opts.Ladder = DefaultLadder
	}

	ladder := make([]Resolution, len(opts.Ladder))
	copy(ladder, opts.Ladder)
	for _, r := range ladder {
		if r.Width <= 0 || r.Height <= 0 {
			return nil, fmt.Errorf("%w: invalid ladder rung %s", media.ErrInvalidInput, r)
		}
	}
	sort.SliceStable(ladder, func(i, j int) bool {
		return ladder[i].LongSide()*ladder[i].ShortSide() > ladder[j].LongSide()*ladder[j].ShortSide()
	})
	opts.Ladder = ladder

	return &Planner{opts: opts}, nil
}

// Options returns a copy of the effective options.
func (p *Planner) Options() Options {
	o := p.opts
	o.Ladder = append([]Resolution(nil), p.opts.Ladder...)
	return o
}

// Plan computes the encoding parameters for d under budget b.
// Failures wrap media.ErrInvalidInput.
func (p *Planner) Plan(d media.Descriptor, b Budget) (Plan, error) {
	if d.DurationMillis <= 0 {
		return Plan{}, fmt.Errorf("%w: media duration is zero (unreadable)", media.ErrInvalidInput)
	}
	if d.BitrateBps < 0 {
		return Plan{}, fmt.Errorf("%w: negative source bitrate %d", media.ErrInvalidInput, d.BitrateBps)
	}
	if d.Width < 2 || d.Height < 2 {
		return Plan{}, fmt.Errorf("%w: invalid source dimensions %dx%d", media.ErrInvalidInput, d.Width, d.Height)
	}
	if err := b.Validate(); err != nil {
		return Plan{}, err
	}

	target := p.targetBitrate(d, b)
	if target <= 0 {
		return Plan{}, fmt.Errorf("%w: computed target bitrate %d is not positive", media.ErrInvalidInput, target)
	}

	clamped := false
	if target < p.opts.MinBitrateBps {
		target = p.opts.MinBitrateBps
		clamped = true
	}

	var audio int64
	if d.HasAudio {
		audio = min(p.opts.AudioBitrateBps, target/4)
	}

	w, h := p.resolution(d.Width, d.Height)

	return Plan{
		TargetBitrateBps: target,
		VideoBitrateBps:  target - audio,
		AudioBitrateBps:  audio,
		TargetWidth:      w,
		TargetHeight:     h,
		Container:        p.opts.Container,
		VideoCodec:       p.opts.VideoCodec,
		AudioCodec:       p.opts.AudioCodec,
		Clamped:          clamped,
	}, nil
}

// targetBitrate applies the budget and never exceeds a known source bitrate.
func (p *Planner) targetBitrate(d media.Descriptor, b Budget) int64 {
	var target int64
	if b.MaxSizeBytes > 0 {
		raw := math.Floor(float64(b.MaxSizeBytes) * 8 * 1000 / float64(d.DurationMillis) * (1 - p.opts.SafetyMargin))
		// float64(math.MaxInt64) rounds up to 2^63, which does not convert.
		if raw >= math.MaxInt64 {
			target = math.MaxInt64
		} else {
			target = int64(raw)
		}
	} else {
		target = b.MaxBitrateBps
	}
	// Zero source bitrate means unknown.
	if d.BitrateBps > 0 && target > d.BitrateBps {
		target = d.BitrateBps
	}
	return target
}

// resolution picks the largest rung whose long and short sides both fit
// inside the source, regardless of orientation, and fits the source into it.
// Sources smaller than every rung keep their size.
func (p *Planner) resolution(w, h int) (int, int) {
	long, short := max(w, h), min(w, h)
	for _, r := range p.opts.Ladder {
		rl, rs := r.LongSide(), r.ShortSide()
		if rl > long || rs > short {
			continue
		}
		num, den := rs, short
		if rl*short <= rs*long {
			num, den = rl, long
		}
		return even(w * num / den), even(h * num / den)
	}
	return even(w), even(h)
}

// even rounds n down to an even number; chroma subsampling requires it.
func even(n int) int {
	if n < 2 {
		return 2
	}
	return n &^ 1
}
