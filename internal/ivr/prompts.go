package ivr

import (
	"fmt"
	"strings"
)

// Spoken text. Kept together so wording can be reviewed in one place.
const (
	textMainOptions = "To list new stories, press 2. To list story categories, press 3. " +
		"To request a new story, press 4. To repeat the current menu, press 8. " +
		"To exit from this menu, press 9. To increase the speech rate, press star. " +
		"To decrease the speech rate, press hash."
	textStartNew      = "To start reading a new story, press 1."
	textContinueFmt   = "To continue reading %s, press 1."
	textNoDigit       = "You didn't enter any digit."
	textNoOption      = "Sorry, you have not chosen any option."
	textInvalidOption = "Sorry, you have chosen an invalid option."
	textGoodbye       = "Thank you for calling. Goodbye."

	textListEntryFmt = "To select %s, press %d. "
	textListMoreFmt  = "To list the next %d %s, press 5. "
	textListTail     = "To repeat the current menu, press 8. To go to the previous menu, press 9."
	textNoStories    = "Sorry, there are no stories available right now."
	textNoCategories = "Sorry, there are no story categories available right now."
	textEmptyFilter  = "Sorry, there are no stories in this category yet."
	textCatalogDown  = "Sorry, the story catalog is not available right now. Please try again."
	textStoryGone    = "Sorry, that story is no longer available."

	textLoading       = "Please wait, your story is loading."
	textReadingHint   = "To pause or resume the story, press 1. To go back to the main menu, press 2."
	textPlayFailed    = "Sorry, we could not play your story right now. Please try again."
	textPauseFailed   = "Sorry, we could not pause your story. Please try again."
	textSaveFailed    = "Sorry, we could not save your place in the story."
	textStoryFinished = "Your story was completed. Thank you for listening."

	textRequestPrompt   = "Please speak out the name of the story you want."
	textNothingSpoken   = "Sorry, you have not spoken anything."
	textNotUnderstood   = "Sorry, we are not able to analyze your voice. Please speak out again."
	textNotAvailableFmt = "Your requested story, %s, is not available right now."
	textConfirmOptions  = "To save your request, press 1. To cancel, press 2."
	textRequestSaved    = "Thank you. Your requested story was saved."
	textRequestDropped  = "Thank you. Your requested story was not saved."
	textRequestFailed   = "Sorry, we could not save your request right now. Please call again later."

	textSomethingWrong = "Sorry, something went wrong. Let's start again."
)

// listingText renders one page of a listing.
func listingText(names []string, more bool, noun string) string {
	var b strings.Builder
	for i, name := range names {
		fmt.Fprintf(&b, textListEntryFmt, name, i+1)
	}
	if more {
		fmt.Fprintf(&b, textListMoreFmt, pageSize, noun)
	}
	b.WriteString(textListTail)
	return b.String()
}
