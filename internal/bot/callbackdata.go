package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// action identifies what an inline button does
type action int

const (
	actNoop action = iota
	actAddVials
	actCategoryPage
	actCategory
	actVialPage
	actVialToggle
	actBackToCategories
	actToWatermark
	actWatermark
	actBuy
	actCancelPayment
	actLanguage
	actMode
)

// Watermark choices carried in callbackData.ID
const (
	watermarkNone int64 = iota
	watermarkDefault
	watermarkCustom
)

// Language choices carried in callbackData.ID
const (
	languageEN int64 = iota
	languageRU
)

// callbackData is the payload of an inline button.
// Encoded as "action:flow:id:category:page", integers only.
type callbackData struct {
	Action action
	// Flow is the session flow the button was rendered for; zero for
	// buttons that do not belong to a job.
	Flow     uint32
	ID       int64
	Category int64
	Page     int
}

func (c callbackData) String() string {
	return fmt.Sprintf("%d:%d:%d:%d:%d", c.Action, c.Flow, c.ID, c.Category, c.Page)
}

func parseCallbackData(data string) (callbackData, error) {
	parts := strings.Split(data, ":")
	if len(parts) != 5 {
		return callbackData{}, fmt.Errorf("malformed callback data %q", data)
	}

	var nums [5]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return callbackData{}, fmt.Errorf("malformed callback data %q: %w", data, err)
		}
		nums[i] = n
	}
	if nums[1] < 0 || nums[1] > int64(^uint32(0)) {
		return callbackData{}, fmt.Errorf("flow out of range in %q", data)
	}

	return callbackData{
		Action:   action(nums[0]),
		Flow:     uint32(nums[1]),
		ID:       nums[2],
		Category: nums[3],
		Page:     int(nums[4]),
	}, nil
}

// belongsToJob reports whether the action is part of the retouch flow
// and so must match the session's flow and step.
func (a action) belongsToJob() bool {
	switch a {
	case actAddVials, actCategoryPage, actCategory, actVialPage, actVialToggle,
		actBackToCategories, actToWatermark, actWatermark:
		return true
	}
	return false
}
