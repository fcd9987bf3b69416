package services

import (
	"log"
	"regexp"
	"strings"

	"agentbill_go/database"
	"agentbill_go/models"
)

// LineGroupMatcher binds LINE groups to agencies by name. When the bot joins
// a group whose name matches an agency, that agency's notifications start
// flowing into the group.
type LineGroupMatcher struct{}

func NewLineGroupMatcher() *LineGroupMatcher {
	return &LineGroupMatcher{}
}

var spaceRe = regexp.MustCompile(`\s+`)

// normalizeName reduces a display name to a comparable form
func normalizeName(s string) string {
	s = strings.ToLower(s)
	s = strings.TrimSpace(s)
	s = spaceRe.ReplaceAllString(s, " ")
	return s
}

// MatchGroupToAgency links a LINE group to the agency whose name or code
// matches the group name. Returns the matched agency, or nil.
func (m *LineGroupMatcher) MatchGroupToAgency(groupID, groupName string) *models.Agency {
	db := database.DB
	clean := normalizeName(groupName)

	var agencies []models.Agency
	if err := db.Where("status = ?", models.AgencyStatusActive).Find(&agencies).Error; err != nil {
		log.Printf("Error fetching agencies for LINE group match: %v", err)
		return nil
	}

	for _, agency := range agencies {
		if normalizeName(agency.Name) != clean && normalizeName(agency.Code) != clean {
			continue
		}
		if agency.LineGroupID == groupID {
			log.Printf("LINE group '%s' already linked to agency %d", groupName, agency.ID)
			return &agency
		}
		if err := db.Model(&models.Agency{}).Where("id = ?", agency.ID).
			Update("line_group_id", groupID).Error; err != nil {
			log.Printf("Failed to link LINE group '%s' to agency %d: %v", groupName, agency.ID, err)
			return nil
		}
		log.Printf("Linked LINE group '%s' (%s) to agency '%s' (ID=%d)",
			groupName, groupID, agency.Name, agency.ID)
		agency.LineGroupID = groupID
		return &agency
	}

	log.Printf("No matching agency for LINE group '%s' (normalized='%s')", groupName, clean)
	return nil
}

// UnlinkGroup clears the group binding when the bot leaves a group.
func (m *LineGroupMatcher) UnlinkGroup(groupID string) {
	db := database.DB
	result := db.Model(&models.Agency{}).
		Where("line_group_id = ?", groupID).
		Update("line_group_id", "")
	if result.Error != nil {
		log.Printf("Failed to unlink LINE group '%s': %v", groupID, result.Error)
		return
	}
	if result.RowsAffected > 0 {
		log.Printf("Unlinked LINE group '%s' from %d agency(ies)", groupID, result.RowsAffected)
	}
}
