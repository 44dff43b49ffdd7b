// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"fmt"

	"gorm.io/gorm"
)

// CreateFolder inserts a folder node. Exactly one of ownerID/groupID
// must be non-nil (spec.md §3's namespace invariant); callers
// (internal/router) are responsible for picking the right one from
// the authenticated session.
func (s *State) CreateFolder(ownerID, groupID, parentID *uint, name string) (*FileNode, error) {
	if err := validateNamespace(ownerID, groupID); err != nil {
		return nil, err
	}
	if err := s.validateParent(ownerID, groupID, parentID); err != nil {
		return nil, err
	}
	node := FileNode{
		OwnerID:  ownerID,
		GroupID:  groupID,
		ParentID: parentID,
		Name:     name,
		IsFolder: true,
	}
	if err := s.DB.Create(&node).Error; err != nil {
		return nil, err
	}
	return &node, nil
}

// CreateFileRecord inserts a non-folder node at upload-START time,
// before any bytes have arrived: the row's Size is the client's
// advertised ciphertext size and StoragePath is pre-allocated so the
// upload engine has somewhere to rename its temp file into (spec.md
// §4.8).
func (s *State) CreateFileRecord(ownerID, groupID, parentID *uint, name string, size int64, storagePath string, encryptedFileKey []byte) (*FileNode, error) {
	if err := validateNamespace(ownerID, groupID); err != nil {
		return nil, err
	}
	if err := s.validateParent(ownerID, groupID, parentID); err != nil {
		return nil, err
	}
	node := FileNode{
		OwnerID:          ownerID,
		GroupID:          groupID,
		ParentID:         parentID,
		Name:             name,
		IsFolder:         false,
		Size:             size,
		StoragePath:      storagePath,
		EncryptedFileKey: encryptedFileKey,
	}
	if err := s.DB.Create(&node).Error; err != nil {
		return nil, err
	}
	return &node, nil
}

func validateNamespace(ownerID, groupID *uint) error {
	if (ownerID == nil) == (groupID == nil) {
		return fmt.Errorf("%w: exactly one of owner_id/group_id must be set", ErrInvalidRequest)
	}
	return nil
}

// validateParent enforces that a non-nil parent is a folder in the
// same namespace as the node being created.
func (s *State) validateParent(ownerID, groupID, parentID *uint) error {
	if parentID == nil {
		return nil
	}
	parent, err := s.GetFileNode(*parentID)
	if err != nil {
		return err
	}
	if !parent.IsFolder {
		return fmt.Errorf("%w: parent is not a folder", ErrInvalidRequest)
	}
	sameOwner := ownerID != nil && parent.OwnerID != nil && *parent.OwnerID == *ownerID
	sameGroup := groupID != nil && parent.GroupID != nil && *parent.GroupID == *groupID
	if !sameOwner && !sameGroup {
		return fmt.Errorf("%w: parent is in a different namespace", ErrInvalidRequest)
	}
	return nil
}

// GetFileNode looks up a node by id.
func (s *State) GetFileNode(id uint) (*FileNode, error) {
	var n FileNode
	if err := s.DB.First(&n, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &n, nil
}

// ListChildren returns the direct children of a folder (parentID nil
// means the namespace root), folders first then files, each group
// sorted by name ascending (spec.md §4.10's default ordering; the
// client may re-sort).
func (s *State) ListChildren(ownerID, groupID, parentID *uint) ([]FileNode, error) {
	if err := validateNamespace(ownerID, groupID); err != nil {
		return nil, err
	}
	q := s.DB.Model(&FileNode{})
	if ownerID != nil {
		q = q.Where("owner_id = ?", *ownerID)
	} else {
		q = q.Where("group_id = ?", *groupID)
	}
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	var nodes []FileNode
	if err := q.Order("is_folder desc, name asc").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// RenameFileNode updates a node's display name; any member may rename
// a group file (spec.md §4.7's explicit tie-break), so the caller
// performs the membership/ownership check before calling this.
func (s *State) RenameFileNode(id uint, newName string) error {
	res := s.DB.Model(&FileNode{}).Where("id = ?", id).Update("name", newName)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFileLeaf removes a single non-folder node and its blob.
func (s *State) DeleteFileLeaf(node *FileNode, deleteBlob func(storagePath string) error) error {
	return s.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&FileNode{}, node.ID).Error; err != nil {
			return err
		}
		if node.StoragePath != "" {
			if err := deleteBlob(node.StoragePath); err != nil {
				return fmt.Errorf("store: deleting blob for file %d: %w", node.ID, err)
			}
		}
		return nil
	})
}

// DeleteFolderCascade recursively deletes a folder and every
// descendant, using an explicit stack rather than recursive calls so
// arbitrarily deep trees cannot exhaust the Go call stack (spec.md
// §4.10 "recursion is stack-safe (iterative)").
func (s *State) DeleteFolderCascade(rootID uint, deleteBlob func(storagePath string) error) error {
	return s.Transaction(func(tx *gorm.DB) error {
		stack := []uint{rootID}
		var toDeleteFiles []FileNode
		var toDeleteFolderIDs []uint

		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			var node FileNode
			if err := tx.First(&node, id).Error; err != nil {
				return wrapNotFound(err)
			}
			if node.IsFolder {
				toDeleteFolderIDs = append(toDeleteFolderIDs, node.ID)
				var children []FileNode
				if err := tx.Where("parent_id = ?", node.ID).Find(&children).Error; err != nil {
					return err
				}
				for _, c := range children {
					stack = append(stack, c.ID)
				}
			} else {
				toDeleteFiles = append(toDeleteFiles, node)
			}
		}

		for _, f := range toDeleteFiles {
			if f.StoragePath != "" {
				if err := deleteBlob(f.StoragePath); err != nil {
					return fmt.Errorf("store: deleting blob for file %d: %w", f.ID, err)
				}
			}
			if err := tx.Delete(&FileNode{}, f.ID).Error; err != nil {
				return err
			}
		}
		for _, id := range toDeleteFolderIDs {
			if err := tx.Delete(&FileNode{}, id).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
