package graph

import (
	"context"
	"fmt"
	"net/url"
	"sort"
)

type graphFolder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId"`
	ChildFolderCount int    `json:"childFolderCount"`
	TotalItemCount   int    `json:"totalItemCount"`
}

type folderPage struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// ListFolders walks the mailbox folder tree: page the top level, then
// recursively descend into any folder with children. Returns display paths
// ("Inbox/Subfolder") and caches the path-to-id mapping for fetch and
// restore lookups.
func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	ids := make(map[string]string)

	var walk func(parentPath, listPath string) error
	walk = func(parentPath, listPath string) error {
		query := url.Values{}
		query.Set("$top", fmt.Sprintf("%d", folderPageSize))
		query.Set("$select", "id,displayName,parentFolderId,childFolderCount,totalItemCount")

		next := c.baseURL + listPath + "?" + query.Encode()
		for next != "" {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var page folderPage
			if err := c.getURL(ctx, next, &page); err != nil {
				return fmt.Errorf("list folders %s: %w", listPath, err)
			}
			for _, f := range page.Value {
				path := f.DisplayName
				if parentPath != "" {
					path = parentPath + "/" + f.DisplayName
				}
				ids[path] = f.ID
				if f.ChildFolderCount > 0 {
					childPath := c.userPath("/mailFolders/%s/childFolders", f.ID)
					if err := walk(path, childPath); err != nil {
						return err
					}
				}
			}
			next = page.NextLink
		}
		return nil
	}

	if err := walk("", c.userPath("/mailFolders")); err != nil {
		return nil, err
	}

	c.folderIDs = ids
	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// folderID resolves a display path to the Graph folder id, refreshing the
// cache on a miss.
func (c *Client) folderID(ctx context.Context, folder string) (string, error) {
	if id, ok := c.folderIDs[folder]; ok {
		return id, nil
	}
	if _, err := c.ListFolders(ctx); err != nil {
		return "", err
	}
	if id, ok := c.folderIDs[folder]; ok {
		return id, nil
	}
	return "", fmt.Errorf("graph folder %q not found", folder)
}
