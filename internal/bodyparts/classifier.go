// Package bodyparts estimates how many body parts a study description covers.
//
// A description is scanned left to right. At each word the classifier tries
// three readings and keeps the one that consumes the most words:
//
//   - a midline part (CHEST, PELVIS) counts 1
//   - one or more spine segments followed by the spine keyword count one per
//     segment; WHOLE SPINE counts 3
//   - a run of peripheral parts, optionally led by LEFT/RIGHT, counts 1 per
//     part; a run led by BILATERAL/BOTH, or made of plural parts, counts 2
//
// Ties go to midline, then spine, then the one-sided periphery reading.
// Stop-words are skipped anywhere. The total is at least 1.
package bodyparts

type match struct {
	end   int
	parts int
}

// Classifier counts body parts using an immutable vocabulary.
type Classifier struct {
	vocab *Vocabulary

	midline      phraseSet
	spine        phraseSet
	wholeSpine   phraseSet
	spineKeyword phraseSet
	unilateral   phraseSet
	bilateral    phraseSet
	singular     phraseSet
	plural       phraseSet
	digitNumber  phraseSet
	digit        phraseSet
	joints       phraseSet
	jointKeyword phraseSet
	ignore       phraseSet
}

// New builds a classifier. The vocabulary must not be modified afterwards.
func New(v *Vocabulary) *Classifier {
	return &Classifier{
		vocab:        v,
		midline:      newPhraseSet(v.MidlineParts),
		spine:        newPhraseSet(v.SpineParts),
		wholeSpine:   newPhraseSet(v.WholeSpine),
		spineKeyword: newPhraseSet(v.SpineKeyword),
		unilateral:   newPhraseSet(v.Unilateral),
		bilateral:    newPhraseSet(v.Bilateral),
		singular:     newPhraseSet(v.SingularParts),
		plural:       newPhraseSet(v.PluralParts),
		digitNumber:  newPhraseSet(v.DigitNumber),
		digit:        newPhraseSet(v.Digit),
		joints:       newPhraseSet(v.Joints),
		jointKeyword: newPhraseSet(v.JointKeyword),
		ignore:       newPhraseSet(v.Ignore),
	}
}

// Vocabulary returns the vocabulary the classifier was built from.
func (c *Classifier) Vocabulary() *Vocabulary {
	return c.vocab
}

// Count returns the number of body parts in description, at least 1.
func (c *Classifier) Count(description string) int {
	tokens := tokenize(description)
	total := 0
	for i := 0; i < len(tokens); {
		if n := c.ignore.match(tokens, i); n > 0 {
			i += n
			continue
		}
		best := match{end: i}
		for _, m := range []match{c.matchMidline(tokens, i), c.matchSpine(tokens, i), c.matchPeriphery(tokens, i)} {
			if m.end > best.end {
				best = m
			}
		}
		if best.end == i {
			i++
			continue
		}
		total += best.parts
		i = best.end
	}
	return max(total, 1)
}

// skip advances past stop-words.
func (c *Classifier) skip(tokens []string, i int) int {
	for i < len(tokens) {
		n := c.ignore.match(tokens, i)
		if n == 0 {
			break
		}
		i += n
	}
	return i
}

func (c *Classifier) matchMidline(tokens []string, i int) match {
	if n := c.midline.match(tokens, i); n > 0 {
		return match{end: i + n, parts: 1}
	}
	return match{end: i}
}

// matchSpine matches segments or WHOLE that are followed by the spine
// keyword. The keyword itself is not consumed.
func (c *Classifier) matchSpine(tokens []string, i int) match {
	followed := func(end int) bool {
		return c.spineKeyword.match(tokens, c.skip(tokens, end)) > 0
	}

	best := match{end: i}
	if n := c.wholeSpine.match(tokens, i); n > 0 && followed(i+n) {
		best = match{end: i + n, parts: 3}
	}

	count, end := 0, i
	for j := i; ; {
		j = c.skip(tokens, j)
		n := c.spine.match(tokens, j)
		if n == 0 {
			break
		}
		count++
		j += n
		end = j
	}
	if count > 0 && followed(end) && end > best.end {
		best = match{end: end, parts: count}
	}
	return best
}

func (c *Classifier) matchPeriphery(tokens []string, i int) match {
	one := c.run(tokens, i, c.unilateral, c.singularElement, 1)
	two := c.run(tokens, i, c.bilateral, c.pluralElement, 2)
	if two.end > one.end {
		return two
	}
	return one
}

// run matches an optional side marker followed by one or more elements.
func (c *Classifier) run(tokens []string, i int, marker phraseSet, element func([]string, int) int, weight int) match {
	j := i
	if n := marker.match(tokens, j); n > 0 {
		j += n
	}
	count, end := 0, i
	for {
		k := c.skip(tokens, j)
		n := element(tokens, k)
		if n == 0 {
			break
		}
		count++
		j = k + n
		end = j
	}
	if count == 0 {
		return match{end: i}
	}
	return match{end: end, parts: count * weight}
}

func (c *Classifier) singularElement(tokens []string, i int) int {
	return max(c.singular.match(tokens, i), c.matchDigits(tokens, i), c.matchJoint(tokens, i))
}

func (c *Classifier) pluralElement(tokens []string, i int) int {
	return max(c.plural.match(tokens, i), c.singularElement(tokens, i))
}

// matchDigits matches an optional ordinal followed by a finger or toe word.
func (c *Classifier) matchDigits(tokens []string, i int) int {
	if n := c.digitNumber.match(tokens, i); n > 0 {
		k := c.skip(tokens, i+n)
		if m := c.digit.match(tokens, k); m > 0 {
			return k + m - i
		}
	}
	return c.digit.match(tokens, i)
}

// matchJoint matches a joint name followed by JOINT or JOINTS.
func (c *Classifier) matchJoint(tokens []string, i int) int {
	n := c.joints.match(tokens, i)
	if n == 0 {
		return 0
	}
	k := c.skip(tokens, i+n)
	if m := c.jointKeyword.match(tokens, k); m > 0 {
		return k + m - i
	}
	return 0
}
